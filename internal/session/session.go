package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-rooms/internal/audio"
	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoGenerator is returned by Speak on a host built without a TextGenerator.
var ErrNoGenerator = errors.New("text generation unavailable")

// playbackWindow is how long after the last received frame a guest still
// counts as playing.
const playbackWindow = 500 * time.Millisecond

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateClosed
)

// Options configures a Session.
type Options struct {
	Room     string
	Identity string
	URL      string

	Dialer Dialer
	Tokens TokenSource
	Text   TextGenerator
	Speech SpeechSource

	Audio      config.AudioConfig
	Visualizer config.VisualizerConfig
	Voice      string
	Speed      float64
	// PlaybackPath records audio received by a guest.
	PlaybackPath string

	Events EventSink
	Logger *slog.Logger
}

// Info is a point-in-time view of a session.
type Info struct {
	ID            string        `json:"id"`
	Room          string        `json:"room"`
	Identity      string        `json:"identity"`
	Role          Role          `json:"role,omitempty"`
	Connected     bool          `json:"connected"`
	Speaking      bool          `json:"speaking"`
	Loading       bool          `json:"loading"`
	GeneratedText string        `json:"generated_text,omitempty"`
	ActiveTrack   string        `json:"active_track,omitempty"`
	Participants  []Participant `json:"participants"`
	JoinedAt      time.Time     `json:"joined_at,omitempty"`
}

type remoteTrack struct {
	participant string
	track       Track
}

// Session is one participant in one room. A Session joins at most once;
// after Leave a new Session is needed.
type Session struct {
	id     string
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer

	roster   *Roster
	analyser *audio.Analyser
	playback *audio.Graph

	mu        sync.Mutex
	state     state
	conn      Conn
	role      Role
	ctx       context.Context
	cancel    context.CancelFunc
	tracks    map[string]remoteTrack
	active    string
	generated string
	joinedAt  time.Time
	reason    string
	pipeline  *audio.Pipeline
	published AudioTrack
	recorders []*audio.WAVSink

	speechMu     sync.Mutex
	speechCancel context.CancelFunc
	speechDone   chan struct{}
	speechErr    *error

	loading   atomic.Bool
	speaking  atomic.Bool
	lastAudio atomic.Int64
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	analyser := audio.NewAnalyser(opts.Visualizer)
	playback := audio.NewPassthrough()
	playback.Connect(analyser)
	return &Session{
		id:       uuid.NewString(),
		opts:     opts,
		log:      logger.With(slog.String("component", "room-session"), slog.String("room", opts.Room), slog.String("identity", opts.Identity)),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-rooms/session"),
		roster:   NewRoster(),
		analyser: analyser,
		playback: playback,
		tracks:   make(map[string]remoteTrack),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Room() string     { return s.opts.Room }
func (s *Session) Identity() string { return s.opts.Identity }

// Analyser exposes the spectrum of whatever this session is hearing or saying.
func (s *Session) Analyser() *audio.Analyser { return s.analyser }

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

func (s *Session) Loading() bool  { return s.loading.Load() }
func (s *Session) Speaking() bool { return s.speaking.Load() }

// Playing reports whether audio is flowing: a host that is speaking, or a
// guest that received a frame recently.
func (s *Session) Playing() bool {
	if s.Role() == RoleHost {
		return s.Speaking()
	}
	last := s.lastAudio.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < playbackWindow
}

func (s *Session) GeneratedText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generated
}

// Participants returns the remote members sorted by identity.
func (s *Session) Participants() []Participant { return s.roster.Snapshot() }

func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:            s.id,
		Room:          s.opts.Room,
		Identity:      s.opts.Identity,
		Role:          s.role,
		Connected:     s.state == stateConnected,
		GeneratedText: s.generated,
		ActiveTrack:   s.active,
		JoinedAt:      s.joinedAt,
	}
	s.mu.Unlock()
	info.Speaking = s.Speaking()
	info.Loading = s.Loading()
	info.Participants = s.Participants()
	return info
}

// Presence summarises the session for cluster announcements.
func (s *Session) Presence() protocol.RoomPresence {
	return protocol.RoomPresence{
		Room:         s.opts.Room,
		Identity:     s.opts.Identity,
		Role:         string(s.Role()),
		Participants: s.roster.Len(),
		Speaking:     s.Speaking(),
	}
}

// Connect fetches a token, joins the room and settles the role: host when
// nobody else is present, guest otherwise.
func (s *Session) Connect(ctx context.Context) (err error) {
	if strings.TrimSpace(s.opts.Room) == "" {
		return ErrMissingRoom
	}
	if strings.TrimSpace(s.opts.Identity) == "" {
		return ErrMissingIdentity
	}
	if s.opts.URL == "" {
		return ErrNoServerURL
	}

	s.mu.Lock()
	switch s.state {
	case stateConnecting, stateConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	case stateClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = stateConnecting
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.connect", trace.WithAttributes(
		attribute.String("room", s.opts.Room),
		attribute.String("identity", s.opts.Identity),
	))
	defer span.End()
	defer func() {
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.mu.Lock()
		if s.state == stateConnecting {
			s.state = stateIdle
		}
		s.mu.Unlock()
	}()

	token, err := s.opts.Tokens.Token(ctx, s.opts.Room, s.opts.Identity)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	conn, err := s.opts.Dialer.Dial(ctx, s.opts.URL, token, s)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	existing := conn.RemoteParticipants()
	role := RoleGuest
	if len(existing) == 0 {
		role = RoleHost
	}
	for _, p := range existing {
		s.roster.Add(p)
	}

	if err := s.setupAudio(conn, role); err != nil {
		conn.Disconnect()
		return err
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		s.releaseAudio()
		conn.Disconnect()
		return ErrClosed
	}
	s.conn = conn
	s.role = role
	s.state = stateConnected
	s.joinedAt = time.Now().UTC()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	span.SetAttributes(attribute.String("role", string(role)))
	s.log.Info("joined room",
		slog.String("role", string(role)),
		slog.String("local", conn.LocalIdentity()),
		slog.Int("participants", len(existing)))
	s.emit(protocol.RoomEvent{Type: protocol.EventSessionConnected})
	return nil
}

// setupAudio builds the host speech path or attaches the guest recorder.
func (s *Session) setupAudio(conn Conn, role Role) error {
	cfg := s.opts.Audio
	if role == RoleGuest {
		if s.opts.PlaybackPath == "" {
			return nil
		}
		rec, err := audio.NewWAVSink(s.opts.PlaybackPath, conn.PlaybackSampleRate())
		if err != nil {
			return err
		}
		s.playback.Connect(rec)
		s.mu.Lock()
		s.recorders = append(s.recorders, rec)
		s.mu.Unlock()
		return nil
	}

	graph := audio.NewGraph(cfg, cfg.PublishSampleRate)
	track, err := conn.PublishAudio(cfg.TrackName, cfg.PublishSampleRate)
	if err != nil {
		return fmt.Errorf("publish audio track: %w", err)
	}
	graph.Connect(track)
	graph.Connect(s.analyser)

	var recorders []*audio.WAVSink
	if cfg.MonitorPath != "" {
		rec, err := audio.NewWAVSink(cfg.MonitorPath, cfg.PublishSampleRate)
		if err != nil {
			_ = track.Close()
			return err
		}
		graph.Connect(rec)
		recorders = append(recorders, rec)
	}

	s.mu.Lock()
	s.pipeline = audio.NewPipeline(cfg, graph)
	s.published = track
	s.recorders = append(s.recorders, recorders...)
	s.mu.Unlock()
	s.log.Info("published audio track",
		slog.String("track_sid", track.SID()),
		slog.String("name", cfg.TrackName),
		slog.Int("sample_rate", cfg.PublishSampleRate))
	return nil
}

func (s *Session) releaseAudio() error {
	s.mu.Lock()
	published, recorders := s.published, s.recorders
	s.published, s.recorders = nil, nil
	s.mu.Unlock()

	var errs []error
	if published != nil {
		published.ClearQueue()
		errs = append(errs, published.Close())
	}
	for _, rec := range recorders {
		errs = append(errs, rec.Close())
	}
	return errors.Join(errs...)
}

// Leave stops speech, unpublishes, disconnects and releases recorders. It
// is safe to call more than once.
func (s *Session) Leave() error {
	s.mu.Lock()
	prev := s.state
	if prev == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	conn, cancel, reason := s.conn, s.cancel, s.reason
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.stopSpeech()
	err := s.releaseAudio()
	if conn != nil {
		conn.Disconnect()
	}
	if prev == stateConnected {
		s.log.Info("left room")
		s.emit(protocol.RoomEvent{Type: protocol.EventSessionLeft, Error: reason})
	}
	return err
}

func (s *Session) emit(ev protocol.RoomEvent) {
	if s.opts.Events == nil {
		return
	}
	ev.SessionID = s.id
	ev.Room = s.opts.Room
	ev.Identity = s.opts.Identity
	ev.Role = string(s.Role())
	ev.Timestamp = time.Now().UTC()
	s.opts.Events(ev)
}
