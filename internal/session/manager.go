package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ManagerOptions are shared by every session a Manager creates.
type ManagerOptions struct {
	URL string
	// Identity is used when Join is called without one.
	Identity string

	Dialer Dialer
	Tokens TokenSource
	Text   TextGenerator
	Speech SpeechSource

	Audio      config.AudioConfig
	Visualizer config.VisualizerConfig
	Voice      string
	Speed      float64

	Events EventSink
	Logger *slog.Logger
}

// Manager holds this process's own sessions, at most one per room.
type Manager struct {
	opts ManagerOptions
	log  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		opts:     opts,
		log:      logger.With(slog.String("component", "session-manager")),
		sessions: make(map[string]*Session),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

// Join creates and connects a session for room. When one already exists it
// is returned together with ErrAlreadyConnected.
func (m *Manager) Join(ctx context.Context, room, identity string) (*Session, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return nil, ErrMissingRoom
	}
	if identity == "" {
		identity = m.opts.Identity
	}

	m.mu.Lock()
	if existing, ok := m.sessions[room]; ok {
		m.mu.Unlock()
		return existing, ErrAlreadyConnected
	}
	var s *Session
	s = New(Options{
		Room:       room,
		Identity:   identity,
		URL:        m.opts.URL,
		Dialer:     m.opts.Dialer,
		Tokens:     m.opts.Tokens,
		Text:       m.opts.Text,
		Speech:     m.opts.Speech,
		Audio:      m.opts.Audio,
		Visualizer: m.opts.Visualizer,
		Voice:      m.opts.Voice,
		Speed:      m.opts.Speed,
		Events: func(ev protocol.RoomEvent) {
			if ev.Type == protocol.EventSessionLeft {
				m.forget(room, s)
			}
			if m.opts.Events != nil {
				m.opts.Events(ev)
			}
		},
		Logger: m.opts.Logger,
	})
	m.sessions[room] = s
	m.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		m.forget(room, s)
		return nil, err
	}
	m.log.Info("session joined", slog.String("room", room), slog.String("role", string(s.Role())))
	return s, nil
}

func (m *Manager) forget(room string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[room] == s {
		delete(m.sessions, room)
	}
}

func (m *Manager) Get(room string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[room]
	return s, ok
}

// Speak asks the session in room to generate and speak.
func (m *Manager) Speak(ctx context.Context, room, prompt string) (string, error) {
	s, ok := m.Get(room)
	if !ok {
		return "", ErrNoSession
	}
	return s.Speak(ctx, prompt)
}

// Leave disconnects the session in room.
func (m *Manager) Leave(room string) error {
	m.mu.Lock()
	s, ok := m.sessions[room]
	delete(m.sessions, room)
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return s.Leave()
}

// Sessions returns every session sorted by room.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Room, b.Room) })
	return out
}

// Presence lists the connected sessions for cluster announcements.
func (m *Manager) Presence() []protocol.RoomPresence {
	var out []protocol.RoomPresence
	for _, info := range m.Sessions() {
		if !info.Connected {
			continue
		}
		out = append(out, protocol.RoomPresence{
			Room:         info.Room,
			Identity:     info.Identity,
			Role:         string(info.Role),
			Participants: len(info.Participants),
			Speaking:     info.Speaking,
		})
	}
	return out
}

// Close leaves every room.
func (m *Manager) Close() error {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for room, s := range m.sessions {
		list = append(list, s)
		delete(m.sessions, room)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range list {
		errs = append(errs, s.Leave())
	}
	return errors.Join(errs...)
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-rooms/session")
	gauge, err := meter.Int64ObservableGauge("loqa.rooms.sessions", metric.WithDescription("Room sessions held by this node"))
	if err != nil {
		return err
	}
	speaking, err := meter.Int64ObservableGauge("loqa.rooms.speaking", metric.WithDescription("Sessions currently speaking"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var total, active int64
		for _, p := range m.Presence() {
			total++
			if p.Speaking {
				active++
			}
		}
		obs.ObserveInt64(gauge, total)
		obs.ObserveInt64(speaking, active)
		return nil
	}, gauge, speaking)
	return err
}
