package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrDisabled    = errors.New("llm disabled")
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Service turns prompts into finished text for HTTP handlers and room sessions.
type Service struct {
	cfg         config.LLMConfig
	generator   Generator
	timeout     time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	generations metric.Int64Counter
	failures    metric.Int64Counter
}

// NewService wraps generator. A nil generator leaves the service unavailable,
// which is how a missing API key surfaces to callers.
func NewService(cfg config.LLMConfig, generator Generator, logger *slog.Logger) *Service {
	s := &Service{
		cfg:       cfg,
		generator: generator,
		timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:    logger.With(slog.String("component", "llm-service")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-rooms/llm"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-rooms/llm")
	var err error
	if s.generations, err = meter.Int64Counter("loqa.llm.generations", metric.WithDescription("Completed text generations")); err != nil {
		s.logger.Warn("failed to create generation counter", slogError(err))
	}
	if s.failures, err = meter.Int64Counter("loqa.llm.failures", metric.WithDescription("Failed text generations")); err != nil {
		s.logger.Warn("failed to create failure counter", slogError(err))
	}
	return s
}

// Healthy reports whether prompts can be served.
func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.generator != nil
}

// Available reports whether Generate can succeed at all.
func (s *Service) Available() bool {
	return s.cfg.Enabled && s.generator != nil
}

// Generate returns the completion text for prompt.
func (s *Service) Generate(ctx context.Context, sessionID, room, prompt string) (string, error) {
	if !s.cfg.Enabled {
		return "", ErrDisabled
	}
	if s.generator == nil {
		return "", ErrMissingAPIKey
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("llm.mode", s.cfg.Mode),
		attribute.String("llm.model", s.cfg.Model),
		attribute.String("room", room),
	))
	defer span.End()

	req := RequestFromConfig(s.cfg, prompt)
	req.SessionID = sessionID
	req.Room = room
	req.TraceID = span.SpanContext().TraceID().String()

	start := time.Now()
	text, err := Complete(ctx, s.generator, req)
	attrs := metric.WithAttributes(attribute.String("mode", s.cfg.Mode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.failures != nil {
			s.failures.Add(ctx, 1, attrs)
		}
		s.logger.Warn("llm generation failed", slog.String("room", room), slogError(err))
		return "", fmt.Errorf("generate text: %w", err)
	}
	if s.generations != nil {
		s.generations.Add(ctx, 1, attrs)
	}
	s.logger.Info("llm generation complete",
		slog.String("room", room),
		slog.Int("chars", len(text)),
		slog.Duration("latency", time.Since(start)))
	return text, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
