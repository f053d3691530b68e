package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/loqalabs/loqa-rooms/internal/eventstore"
	"github.com/loqalabs/loqa-rooms/internal/llm"
	"github.com/loqalabs/loqa-rooms/internal/presence"
	"github.com/loqalabs/loqa-rooms/internal/session"
	"github.com/loqalabs/loqa-rooms/internal/token"
	"github.com/loqalabs/loqa-rooms/internal/visualizer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const maxBody = 1 << 20

// Deps are the components the HTTP surface serves. Store, Presence and
// Metrics are optional.
type Deps struct {
	Config   config.Config
	Issuer   *token.Issuer
	LLM      *llm.Service
	Rooms    *session.Manager
	Store    *eventstore.Store
	Presence *presence.Registry
	Hub      *Hub
	Metrics  http.Handler
	Ready    func() bool
	Logger   *slog.Logger
}

// Server routes the HTTP API onto the runtime's components.
type Server struct {
	deps   Deps
	logger *slog.Logger
	tokens metric.Int64Counter

	renderMu sync.Mutex
	renderer *visualizer.Renderer
}

func NewServer(deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	s := &Server{
		deps:     deps,
		logger:   deps.Logger.With(slog.String("component", "http")),
		renderer: visualizer.NewRenderer(deps.Config.Visualizer),
	}
	var err error
	meter := otel.Meter("github.com/loqalabs/loqa-rooms/runtime")
	if s.tokens, err = meter.Int64Counter("loqa.tokens.issued", metric.WithDescription("Access tokens issued over HTTP")); err != nil {
		s.logger.Warn("failed to create token counter", slogError(err))
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.HandleFunc("POST /api/livekit-token", s.handleToken)
	mux.HandleFunc("POST /api/livekit", s.handleLegacyToken)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/test-env", s.handleTestEnv)

	mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	mux.HandleFunc("GET /api/rooms/{room}", s.handleRoom)
	mux.HandleFunc("DELETE /api/rooms/{room}", s.handleLeave)
	mux.HandleFunc("POST /api/rooms/{room}/join", s.handleJoin)
	mux.HandleFunc("POST /api/rooms/{room}/speak", s.handleSpeak)
	mux.HandleFunc("GET /api/rooms/{room}/participants", s.handleParticipants)
	mux.HandleFunc("GET /api/rooms/{room}/history", s.handleHistory)
	mux.HandleFunc("GET /api/rooms/{room}/events", s.handleEvents)
	mux.HandleFunc("GET /api/rooms/{room}/spectrum", s.handleSpectrum)
	mux.HandleFunc("GET /api/rooms/{room}/visualizer.png", s.handleVisualizer)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready == nil || s.deps.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomName string `json:"roomName"`
		UserName string `json:"userName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.logger.Error("token request decode failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Could not generate token")
		return
	}

	tok, err := s.deps.Issuer.Issue(req.RoomName, req.UserName)
	switch {
	case errors.Is(err, token.ErrMissingRoom), errors.Is(err, token.ErrMissingIdentity):
		writeError(w, http.StatusBadRequest, "Missing roomName or userName")
	case errors.Is(err, token.ErrNotConfigured):
		writeError(w, http.StatusInternalServerError, "Server misconfigured")
	case err != nil:
		s.logger.Error("token generation failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Could not generate token")
	default:
		s.countToken(r.Context(), "livekit-token")
		writeJSON(w, http.StatusOK, map[string]string{"token": tok})
	}
}

// handleLegacyToken serves the older route: no data-publish grant and its
// own error wording.
func (s *Server) handleLegacyToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomName        string `json:"roomName"`
		ParticipantName string `json:"participantName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.logger.Error("token request decode failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Error generating token")
		return
	}

	tok, err := s.deps.Issuer.IssueRequest(token.Request{
		Room:     req.RoomName,
		Identity: req.ParticipantName,
		Grants:   token.Grants{CanPublish: true, CanSubscribe: true},
	})
	switch {
	case errors.Is(err, token.ErrMissingRoom), errors.Is(err, token.ErrMissingIdentity):
		writeError(w, http.StatusBadRequest, "Missing roomName or participantName")
	case errors.Is(err, token.ErrNotConfigured):
		writeError(w, http.StatusInternalServerError, "LiveKit API key or secret not configured")
	case err != nil:
		s.logger.Error("token generation failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Error generating token")
	default:
		s.countToken(r.Context(), "livekit")
		writeJSON(w, http.StatusOK, map[string]string{"token": tok})
	}
}

func (s *Server) countToken(ctx context.Context, route string) {
	if s.tokens != nil {
		s.tokens.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.deps.LLM == nil || !s.deps.LLM.Available() {
		writeError(w, http.StatusInternalServerError, "OpenAI API key is missing")
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.logger.Error("generate request decode failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to generate text")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "Missing prompt")
		return
	}

	text, err := s.deps.LLM.Generate(r.Context(), "", "", req.Prompt)
	if err != nil {
		s.logger.Error("text generation failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to generate text")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleTestEnv(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Issuer.SelfTest())
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Sessions []session.Info      `json:"sessions"`
		Cluster  []presence.RoomInfo `json:"cluster"`
	}{Sessions: s.deps.Rooms.Sessions()}
	if s.deps.Presence != nil {
		resp.Cluster = s.deps.Presence.Rooms()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRoom reports the local session in a room. Rooms held elsewhere in
// the cluster answer 404 with the holding nodes.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	sess, ok := s.deps.Rooms.Get(room)
	if !ok {
		if s.deps.Presence != nil {
			if nodes := s.deps.Presence.Holders(room); len(nodes) > 0 {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": session.ErrNoSession.Error(), "nodes": nodes})
				return
			}
		}
		s.writeRoomError(w, session.ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		session.Info
		Watchers int `json:"watchers"`
	}{sess.Info(), s.deps.Hub.Subscribers(room)})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.deps.Rooms.Join(r.Context(), r.PathValue("room"), req.Identity)
	if err != nil {
		s.writeRoomError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	text, err := s.deps.Rooms.Speak(r.Context(), room, req.Prompt)
	if err != nil {
		s.writeRoomError(w, err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if sess, ok := s.deps.Rooms.Get(room); ok {
			err := sess.WaitSpeech(r.Context())
			if errors.Is(err, context.Canceled) && r.Context().Err() == nil {
				s.logger.Debug("speech replaced before finishing", slog.String("room", room))
				writeJSON(w, http.StatusOK, map[string]any{"text": text, "cancelled": true})
				return
			}
			if err != nil {
				s.writeRoomError(w, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rooms.Leave(r.PathValue("room")); err != nil {
		s.writeRoomError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Rooms.Get(r.PathValue("room"))
	if !ok {
		s.writeRoomError(w, session.ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":     sess.Identity(),
		"role":         sess.Role(),
		"participants": sess.Participants(),
		"tracks":       sess.Tracks(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	events := []json.RawMessage{}
	if s.deps.Store != nil {
		list, err := s.deps.Store.ListRoomEvents(r.Context(), r.PathValue("room"), limit)
		if err != nil {
			s.logger.Error("history query failed", slogError(err))
			writeError(w, http.StatusInternalServerError, "Failed to read history")
			return
		}
		for _, ev := range list {
			events = append(events, json.RawMessage(ev.Payload))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleVisualizer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Rooms.Get(r.PathValue("room"))
	if !ok {
		s.writeRoomError(w, session.ErrNoSession)
		return
	}
	data := sess.Analyser().ByteFrequencyData(nil)

	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.renderer.EncodePNG(w, data, sess.Playing()); err != nil {
		s.logger.Warn("render visualizer failed", slogError(err))
	}
}

// writeRoomError maps session and backend errors onto status codes.
func (s *Server) writeRoomError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrMissingRoom),
		errors.Is(err, session.ErrMissingIdentity),
		errors.Is(err, session.ErrEmptyPrompt):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotHost):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrNoSession):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyConnected),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrClosed):
		status = http.StatusConflict
	case errors.Is(err, llm.ErrDisabled),
		errors.Is(err, llm.ErrMissingAPIKey),
		errors.Is(err, session.ErrNoGenerator):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("room request failed", slogError(err))
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
