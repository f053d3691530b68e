package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/bus"
	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/loqalabs/loqa-rooms/internal/eventstore"
	"github.com/loqalabs/loqa-rooms/internal/livekit"
	"github.com/loqalabs/loqa-rooms/internal/llm"
	"github.com/loqalabs/loqa-rooms/internal/natsserver"
	"github.com/loqalabs/loqa-rooms/internal/presence"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/loqalabs/loqa-rooms/internal/router"
	"github.com/loqalabs/loqa-rooms/internal/session"
	"github.com/loqalabs/loqa-rooms/internal/token"
	"github.com/loqalabs/loqa-rooms/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	issuer   *token.Issuer
	llm      *llm.Service
	rooms    *session.Manager
	presence *presence.Registry
	router   *router.Service
	hub      *Hub
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		hub:    NewHub(),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		_ = shutdownTelemetry(context.Background())
		return err
	}

	srv := NewServer(Deps{
		Config:   r.cfg,
		Issuer:   r.issuer,
		LLM:      r.llm,
		Rooms:    r.rooms,
		Store:    r.store,
		Presence: r.presence,
		Hub:      r.hub,
		Metrics:  metricsHandler,
		Ready:    r.isReady,
		Logger:   r.logger,
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsSrv, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, s := range []*http.Server{r.httpServer, r.metricsSrv} {
		if s == nil {
			continue
		}
		if err := s.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.stopComponents()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(s *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// startComponents brings up the bus, the timeline store, the text and speech
// services, the session manager and the bus-facing services, in that order.
func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	if r.cfg.Bus.Enabled {
		r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		busCfg := r.cfg.Bus
		if url := r.nats.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	generator, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		r.logger.Warn("text generation unavailable", slog.String("mode", r.cfg.LLM.Mode), slog.String("error", err.Error()))
	}
	r.llm = llm.NewService(r.cfg.LLM, generator, r.logger)

	var speech session.SpeechSource
	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		r.logger.Warn("speech synthesis unavailable", slog.String("mode", r.cfg.TTS.Mode), slog.String("error", err.Error()))
	} else {
		speech = tts.NewService(r.cfg.TTS, synth, r.logger)
	}

	issuer := token.NewIssuer(r.cfg.LiveKit, r.logger)
	r.issuer = issuer
	r.rooms = session.NewManager(session.ManagerOptions{
		URL:      r.cfg.LiveKit.URL,
		Identity: r.cfg.LiveKit.ServerIdentity,
		Dialer:   livekit.NewDialer(r.logger),
		Tokens: session.TokenSourceFunc(func(_ context.Context, room, identity string) (string, error) {
			return issuer.Issue(room, identity)
		}),
		Text:       r.llm,
		Speech:     speech,
		Audio:      r.cfg.Audio,
		Visualizer: r.cfg.Visualizer,
		Voice:      r.cfg.TTS.Voice,
		Speed:      r.cfg.TTS.Speed,
		Events:     r.handleEvent,
		Logger:     r.logger,
	})

	if r.bus == nil {
		return nil
	}
	r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, r.bus, r.rooms.Presence, r.logger)
	if err != nil {
		return fmt.Errorf("start room presence: %w", err)
	}
	r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.rooms, func() []string {
		infos := r.rooms.Sessions()
		rooms := make([]string, 0, len(infos))
		for _, info := range infos {
			rooms = append(rooms, info.Room)
		}
		return rooms
	}, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	return nil
}

// handleEvent fans a session event out to WebSocket clients, the timeline
// store, the bus and, on membership changes of our own, presence.
func (r *Runtime) handleEvent(ev protocol.RoomEvent) {
	r.hub.Publish(ev)
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.store.Record(ctx, ev); err != nil {
			r.logger.Warn("failed to record room event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		}
		cancel()
	}
	if r.router != nil {
		r.router.Publish(ev)
	}
	if r.presence != nil && (ev.Type == protocol.EventSessionConnected || ev.Type == protocol.EventSessionLeft) {
		if err := r.presence.Announce(); err != nil {
			r.logger.Warn("failed to announce rooms", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) stopComponents() {
	if r.rooms != nil {
		if err := r.rooms.Close(); err != nil {
			r.logger.Warn("leaving rooms failed", slog.String("error", err.Error()))
		}
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	return r.llm == nil || r.llm.Healthy()
}
