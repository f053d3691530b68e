// Package router connects the bus to local room sessions: prompts published
// for a room are spoken by this node's session there, and room events are
// published for everyone else.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/bus"
	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Speaker is the local session manager.
type Speaker interface {
	Speak(ctx context.Context, room, prompt string) (string, error)
}

// PromptReply answers a prompt sent with a reply subject.
type PromptReply struct {
	Room  string `json:"room"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// errNotLocal is not logged: another node holds the room.
var errNotLocal = errors.New("room not held by this node")

type Service struct {
	cfg       config.RouterConfig
	bus       *bus.Client
	speaker   Speaker
	logger    *slog.Logger
	local     func() []string
	subPrompt *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewService builds a router. local lists the rooms this node holds a
// session in; prompts for other rooms are left to their holders. A nil local
// accepts every room.
func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, speaker Speaker, local func() []string, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		speaker: speaker,
		local:   local,
		logger:  logger.With(slog.String("component", "router")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.PromptWildcard, s.handlePrompt)
	if err != nil {
		return err
	}
	s.subPrompt = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subPrompt != nil {
		_ = s.subPrompt.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.subPrompt != nil
}

// Publish sends a room event to the room's events subject.
func (s *Service) Publish(ev protocol.RoomEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(protocol.EventsSubject(ev.Room), ev); err != nil {
		s.logger.Warn("router failed to publish room event",
			slog.String("room", ev.Room),
			slog.String("type", string(ev.Type)),
			slogError(err))
	}
}

func (s *Service) handlePrompt(msg *nats.Msg) {
	var req protocol.PromptRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode prompt", slogError(err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return
	}
	room, ok := s.resolveRoom(req.Room, roomFromSubject(msg.Subject))
	if !ok {
		return
	}
	req.Room = room

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		text, err := s.speak(req)
		if err != nil && !errors.Is(err, errNotLocal) {
			s.logger.Warn("router failed to speak prompt", slog.String("room", req.Room), slogError(err))
		}
		if msg.Reply == "" {
			return
		}
		reply := PromptReply{Room: req.Room, Text: text}
		if err != nil {
			reply.Error = err.Error()
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("router failed to reply", slogError(err))
		}
	}()
}

func (s *Service) speak(req protocol.PromptRequest) (string, error) {
	if s.speaker == nil {
		return "", errNotLocal
	}
	start := time.Now()
	text, err := s.speaker.Speak(s.ctx, req.Room, req.Prompt)
	if err != nil {
		return "", err
	}
	s.logger.Info("spoke prompt from bus",
		slog.String("room", req.Room),
		slog.String("trace_id", req.TraceID),
		slog.Duration("latency", time.Since(start)))
	return text, nil
}

// resolveRoom picks the local room a prompt is for. Without a room in the
// body the subject token is matched against the sanitized local room names.
func (s *Service) resolveRoom(room, token string) (string, bool) {
	if s.local == nil {
		if room == "" {
			room = token
		}
		return room, room != ""
	}
	for _, name := range s.local() {
		if room != "" && name == room {
			return name, true
		}
		if room == "" && token != "" && protocol.SubjectToken(name) == token {
			return name, true
		}
	}
	return "", false
}

// roomFromSubject extracts <room> from rooms.<room>.prompt.
func roomFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != protocol.SubjectRoomsPrefix {
		return ""
	}
	return parts[1]
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
