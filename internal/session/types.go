// Package session owns one participant's connection to one room: it fetches
// a token, joins, settles the host or guest role, tracks membership and
// tracks, and on the host turns prompts into published speech.
package session

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-rooms/internal/audio"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/loqalabs/loqa-rooms/internal/tts"
)

var (
	ErrMissingRoom      = errors.New("room name is required")
	ErrMissingIdentity  = errors.New("participant identity is required")
	ErrNoServerURL      = errors.New("livekit url not configured")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("session not connected")
	ErrNotHost          = errors.New("only the host can speak")
	ErrEmptyPrompt      = errors.New("prompt is empty")
	ErrClosed           = errors.New("session closed")
	ErrNoSession        = errors.New("no session for room")
)

// Role is fixed when a session joins.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Participant is a remote member of the room.
type Participant struct {
	Identity string `json:"identity"`
	SID      string `json:"sid,omitempty"`
}

// Track describes a remote publication.
type Track struct {
	SID    string `json:"sid"`
	Name   string `json:"name,omitempty"`
	Kind   string `json:"kind"`
	Source string `json:"source,omitempty"`
}

const TrackKindAudio = "audio"

// RoomHandler receives room callbacks from a Conn. Calls may arrive on any
// goroutine, including before Dial returns.
type RoomHandler interface {
	ParticipantConnected(p Participant)
	ParticipantDisconnected(p Participant)
	// TrackPublished reports whether the publication should be subscribed.
	TrackPublished(p Participant, t Track) bool
	// TrackSubscribed returns where decoded audio should go, or nil to drop it.
	TrackSubscribed(p Participant, t Track) audio.Sink
	TrackUnsubscribed(p Participant, t Track)
	Disconnected(reason string)
}

// Conn is a joined room.
type Conn interface {
	LocalIdentity() string
	RemoteParticipants() []Participant
	PublishAudio(name string, sampleRate int) (AudioTrack, error)
	// PlaybackSampleRate is the rate subscribed audio reaches TrackSubscribed
	// sinks at.
	PlaybackSampleRate() int
	Disconnect()
}

// AudioTrack is a published local audio track fed with processed frames.
type AudioTrack interface {
	audio.Sink
	SID() string
	// ClearQueue drops audio buffered but not yet sent.
	ClearQueue()
	// Close unpublishes the track.
	Close() error
}

// Dialer joins rooms.
type Dialer interface {
	Dial(ctx context.Context, url, token string, handler RoomHandler) (Conn, error)
}

// TokenSource fetches an access token for identity in room.
type TokenSource interface {
	Token(ctx context.Context, room, identity string) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context, room, identity string) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context, room, identity string) (string, error) {
	return f(ctx, room, identity)
}

// TextGenerator produces the text a host speaks.
type TextGenerator interface {
	Generate(ctx context.Context, sessionID, room, prompt string) (string, error)
}

// SpeechSource streams synthesized PCM for text.
type SpeechSource interface {
	Stream(ctx context.Context, req tts.SynthRequest, consumer func(tts.SynthChunk) error) error
}

// EventSink receives every room event a session emits.
type EventSink func(protocol.RoomEvent)
