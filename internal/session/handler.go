package session

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/audio"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
)

// ParticipantConnected implements RoomHandler.
func (s *Session) ParticipantConnected(p Participant) {
	if !s.roster.Add(p) {
		return
	}
	s.log.Info("participant connected",
		slog.String("participant", p.Identity),
		slog.String("sid", p.SID),
		slog.Int("total", s.roster.Len()))
	s.emit(protocol.RoomEvent{Type: protocol.EventParticipantJoined, Participant: p.Identity})
}

// ParticipantDisconnected implements RoomHandler.
func (s *Session) ParticipantDisconnected(p Participant) {
	if !s.roster.Remove(p.Identity) {
		return
	}
	s.mu.Lock()
	for sid, rt := range s.tracks {
		if rt.participant == p.Identity {
			delete(s.tracks, sid)
			if s.active == sid {
				s.active = ""
			}
		}
	}
	s.mu.Unlock()
	s.log.Info("participant disconnected",
		slog.String("participant", p.Identity),
		slog.String("sid", p.SID),
		slog.Int("total", s.roster.Len()))
	s.emit(protocol.RoomEvent{Type: protocol.EventParticipantLeft, Participant: p.Identity})
}

// TrackPublished implements RoomHandler. Audio publications are subscribed.
func (s *Session) TrackPublished(p Participant, t Track) bool {
	s.log.Info("track published",
		slog.String("participant", p.Identity),
		slog.String("track_sid", t.SID),
		slog.String("kind", t.Kind))
	s.emit(protocol.RoomEvent{Type: protocol.EventTrackPublished, Participant: p.Identity, TrackSID: t.SID, TrackKind: t.Kind})
	return t.Kind == TrackKindAudio
}

// TrackSubscribed implements RoomHandler. A guest plays back the latest
// subscribed audio track; a host ignores remote audio.
func (s *Session) TrackSubscribed(p Participant, t Track) audio.Sink {
	var sink audio.Sink
	s.mu.Lock()
	s.tracks[t.SID] = remoteTrack{participant: p.Identity, track: t}
	if t.Kind == TrackKindAudio && s.role != RoleHost {
		s.active = t.SID
		sink = &playbackTap{session: s, sid: t.SID}
	}
	s.mu.Unlock()

	s.log.Info("track subscribed",
		slog.String("participant", p.Identity),
		slog.String("track_sid", t.SID),
		slog.String("kind", t.Kind),
		slog.String("source", t.Source))
	s.emit(protocol.RoomEvent{Type: protocol.EventTrackSubscribed, Participant: p.Identity, TrackSID: t.SID, TrackKind: t.Kind})
	return sink
}

// TrackUnsubscribed implements RoomHandler.
func (s *Session) TrackUnsubscribed(p Participant, t Track) {
	s.mu.Lock()
	delete(s.tracks, t.SID)
	if s.active == t.SID {
		s.active = ""
	}
	s.mu.Unlock()

	s.log.Info("track unsubscribed",
		slog.String("participant", p.Identity),
		slog.String("track_sid", t.SID),
		slog.String("kind", t.Kind))
	s.emit(protocol.RoomEvent{Type: protocol.EventTrackUnsubscribed, Participant: p.Identity, TrackSID: t.SID, TrackKind: t.Kind})
}

// Disconnected implements RoomHandler. The session cleans itself up.
func (s *Session) Disconnected(reason string) {
	s.mu.Lock()
	if s.state != stateConnected {
		s.mu.Unlock()
		return
	}
	s.reason = reason
	s.mu.Unlock()
	s.log.Warn("disconnected from room", slog.String("reason", reason))
	go func() {
		if err := s.Leave(); err != nil {
			s.log.Warn("cleanup after disconnect failed", slog.String("error", err.Error()))
		}
	}()
}

// Tracks returns the remote tracks currently subscribed.
func (s *Session) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, 0, len(s.tracks))
	for _, rt := range s.tracks {
		out = append(out, rt.track)
	}
	return out
}

func (s *Session) activeTrack() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// playbackTap forwards decoded audio of one track while it is the active one.
type playbackTap struct {
	session *Session
	sid     string
}

func (t *playbackTap) WriteSamples(samples []float64) error {
	if t.session.activeTrack() != t.sid {
		return nil
	}
	t.session.lastAudio.Store(time.Now().UnixNano())
	return t.session.playback.Process(samples)
}
