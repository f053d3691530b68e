// Package livekit joins rooms on a LiveKit server for the session package:
// it maps SDK callbacks onto session.RoomHandler, publishes PCM tracks and
// decodes subscribed audio.
package livekit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	media "github.com/livekit/media-sdk"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/loqalabs/loqa-rooms/internal/session"
	"github.com/pion/webrtc/v4"
)

// PlaybackSampleRate is the rate subscribed audio is decoded to.
const PlaybackSampleRate = 48000

type Dialer struct {
	log *slog.Logger
}

var _ session.Dialer = (*Dialer)(nil)

func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{log: logger.With(slog.String("component", "livekit"))}
}

// Dial connects with auto-subscribe enabled. The SDK connect call does not
// take a context, so a cancelled ctx disconnects the room once it is up.
func (d *Dialer) Dial(ctx context.Context, url, token string, handler session.RoomHandler) (session.Conn, error) {
	c := &conn{
		handler: handler,
		remote:  make(map[string]*lkmedia.PCMRemoteTrack),
	}
	c.log = d.log

	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, c.callback(), lksdk.WithAutoSubscribe(true))
		done <- result{room: room, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("connect to %s: %w", url, res.err)
		}
		c.setRoom(res.room)
		c.log = d.log.With(slog.String("room", res.room.Name()))
		c.log.Info("connected",
			slog.String("identity", res.room.LocalParticipant.Identity()),
			slog.Int("remote_participants", len(res.room.GetRemoteParticipants())))
		return c, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				res.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

type conn struct {
	handler session.RoomHandler
	log     *slog.Logger

	mu     sync.Mutex
	room   *lksdk.Room
	remote map[string]*lkmedia.PCMRemoteTrack
	left   bool
}

func (c *conn) setRoom(room *lksdk.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
}

func (c *conn) LocalIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return ""
	}
	return c.room.LocalParticipant.Identity()
}

func (c *conn) RemoteParticipants() []session.Participant {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return nil
	}
	var out []session.Participant
	for _, rp := range room.GetRemoteParticipants() {
		out = append(out, participant(rp))
	}
	return out
}

// PublishAudio publishes a mono PCM microphone track.
func (c *conn) PublishAudio(name string, sampleRate int) (session.AudioTrack, error) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return nil, session.ErrNotConnected
	}
	track, err := lkmedia.NewPCMLocalTrack(sampleRate, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		_ = track.Close()
		return nil, fmt.Errorf("publish audio track: %w", err)
	}
	return &publishedTrack{room: room, track: track, sid: pub.SID(), log: c.log}, nil
}

func (c *conn) PlaybackSampleRate() int { return PlaybackSampleRate }

func (c *conn) Disconnect() {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.left = true
	room := c.room
	remote := c.remote
	c.remote = make(map[string]*lkmedia.PCMRemoteTrack)
	c.mu.Unlock()

	for _, rt := range remote {
		rt.Close()
	}
	if room != nil {
		room.Disconnect()
	}
}

func (c *conn) callback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished:    c.onTrackPublished,
			OnTrackSubscribed:   c.onTrackSubscribed,
			OnTrackUnsubscribed: c.onTrackUnsubscribed,
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			c.handler.ParticipantConnected(participant(rp))
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			c.handler.ParticipantDisconnected(participant(rp))
		},
		OnDisconnected: func() {
			c.mu.Lock()
			left := c.left
			c.mu.Unlock()
			if !left {
				c.handler.Disconnected("connection lost")
			}
		},
	}
}

func (c *conn) onTrackPublished(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if !c.handler.TrackPublished(participant(rp), publication(pub)) || pub.IsSubscribed() {
		return
	}
	if err := pub.SetSubscribed(true); err != nil {
		c.log.Warn("failed to subscribe",
			slog.String("participant", rp.Identity()),
			slog.String("track_sid", pub.SID()),
			slog.String("error", err.Error()))
	}
}

func (c *conn) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	sink := c.handler.TrackSubscribed(participant(rp), publication(pub))
	if sink == nil || track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}

	var writer media.PCM16Writer = newSinkWriter(pub.SID(), PlaybackSampleRate, sink)
	remote, err := lkmedia.NewPCMRemoteTrack(track, &writer)
	if err != nil {
		c.log.Warn("failed to decode remote audio",
			slog.String("participant", rp.Identity()),
			slog.String("track_sid", pub.SID()),
			slog.String("codec", track.Codec().MimeType),
			slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		remote.Close()
		return
	}
	if prev, ok := c.remote[pub.SID()]; ok {
		prev.Close()
	}
	c.remote[pub.SID()] = remote
	c.mu.Unlock()
}

func (c *conn) onTrackUnsubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	c.mu.Lock()
	remote, ok := c.remote[pub.SID()]
	delete(c.remote, pub.SID())
	c.mu.Unlock()
	if ok {
		remote.Close()
	}
	c.handler.TrackUnsubscribed(participant(rp), publication(pub))
}

func participant(rp *lksdk.RemoteParticipant) session.Participant {
	return session.Participant{Identity: rp.Identity(), SID: rp.SID()}
}

func publication(pub *lksdk.RemoteTrackPublication) session.Track {
	return session.Track{
		SID:    pub.SID(),
		Name:   pub.Name(),
		Kind:   string(pub.Kind()),
		Source: pub.Source().String(),
	}
}
