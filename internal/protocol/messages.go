package protocol

import (
	"fmt"
	"strings"
	"time"
)

// EventType names a room timeline entry.
type EventType string

const (
	EventSessionConnected  EventType = "session.connected"
	EventSessionLeft       EventType = "session.left"
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventTrackPublished    EventType = "track.published"
	EventTrackSubscribed   EventType = "track.subscribed"
	EventTrackUnsubscribed EventType = "track.unsubscribed"
	EventTextGenerated     EventType = "text.generated"
	EventSpeechStarted     EventType = "speech.started"
	EventSpeechFinished    EventType = "speech.finished"
	EventSpeechFailed      EventType = "speech.failed"
	EventSpeechCancelled   EventType = "speech.cancelled"
)

// RoomEvent is broadcast on the bus for every membership, track and speech change.
type RoomEvent struct {
	SessionID   string    `json:"session_id"`
	Room        string    `json:"room"`
	Identity    string    `json:"identity"`
	Role        string    `json:"role,omitempty"`
	Type        EventType `json:"type"`
	Participant string    `json:"participant,omitempty"`
	TrackSID    string    `json:"track_sid,omitempty"`
	TrackKind   string    `json:"track_kind,omitempty"`
	Text        string    `json:"text,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PromptRequest asks the host session of a room to generate and speak.
type PromptRequest struct {
	Room      string    `json:"room"`
	Prompt    string    `json:"prompt"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomAnnouncement advertises the room sessions a node currently holds.
type RoomAnnouncement struct {
	NodeID    string         `json:"node_id"`
	Rooms     []RoomPresence `json:"rooms"`
	Timestamp time.Time      `json:"timestamp"`
}

// RoomPresence is one local session as seen by the cluster.
type RoomPresence struct {
	Room         string `json:"room"`
	Identity     string `json:"identity"`
	Role         string `json:"role"`
	Participants int    `json:"participants"`
	Speaking     bool   `json:"speaking"`
}

const (
	SubjectRoomsPrefix    = "rooms"
	SubjectRoomsAnnounce  = "ctrl.rooms.announce"
	SubjectRoomsHeartbeat = "ctrl.rooms.heartbeat"
)

// EventsSubject is the subject room events for room are published on.
func EventsSubject(room string) string {
	return fmt.Sprintf("%s.%s.events", SubjectRoomsPrefix, SubjectToken(room))
}

// PromptSubject is the subject prompts for room are accepted on.
func PromptSubject(room string) string {
	return fmt.Sprintf("%s.%s.prompt", SubjectRoomsPrefix, SubjectToken(room))
}

// PromptWildcard matches prompts for every room.
const PromptWildcard = SubjectRoomsPrefix + ".*.prompt"

// SubjectToken maps a room name onto a single NATS subject token.
func SubjectToken(room string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, room)
}
