package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Service applies configured voice defaults and drains a Synthesizer.
type Service struct {
	cfg        config.TTSConfig
	synth      Synthesizer
	logger     *slog.Logger
	tracer     trace.Tracer
	utterances metric.Int64Counter
	audioMS    metric.Int64Counter
}

func NewService(cfg config.TTSConfig, synth Synthesizer, log *slog.Logger) *Service {
	s := &Service{
		cfg:    cfg,
		synth:  synth,
		logger: log.With(slog.String("component", "tts-service")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-rooms/tts"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-rooms/tts")
	var err error
	if s.utterances, err = meter.Int64Counter("loqa.tts.utterances", metric.WithDescription("Synthesized utterances")); err != nil {
		s.logger.Warn("failed to create utterance counter", slogError(err))
	}
	if s.audioMS, err = meter.Int64Counter("loqa.tts.audio_ms", metric.WithDescription("Milliseconds of synthesized audio")); err != nil {
		s.logger.Warn("failed to create audio counter", slogError(err))
	}
	return s
}

func (s *Service) Healthy() bool { return s.synth != nil }

// Stream synthesizes req and hands every chunk to consumer in order. It
// returns when the backend finishes, fails, or ctx is cancelled.
func (s *Service) Stream(ctx context.Context, req SynthRequest, consumer func(SynthChunk) error) error {
	if s.synth == nil {
		return ErrMissingAPIKey
	}
	if req.Text == "" {
		return ErrEmptyText
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}
	if req.Speed == 0 {
		req.Speed = s.cfg.Speed
	}

	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.mode", s.cfg.Mode),
		attribute.String("tts.voice", req.Voice),
		attribute.Int("tts.chars", len(req.Text)),
	))
	defer span.End()

	// cancel stops the backend when consumer fails mid-stream
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	var audio time.Duration
	sequence := 0
	chunks, errs := s.synth.Synthesize(ctx, req)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			if chunk.SampleRate > 0 && chunk.Channels > 0 {
				audio += time.Duration(len(chunk.PCM)/(2*chunk.Channels)) * time.Second / time.Duration(chunk.SampleRate)
			}
			if err := consumer(chunk); err != nil {
				return s.fail(span, err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return s.fail(span, err)
			}
		case <-ctx.Done():
			return s.fail(span, ctx.Err())
		}
	}

	attrs := metric.WithAttributes(attribute.String("mode", s.cfg.Mode))
	if s.utterances != nil {
		s.utterances.Add(ctx, 1, attrs)
	}
	if s.audioMS != nil {
		s.audioMS.Add(ctx, audio.Milliseconds(), attrs)
	}
	s.logger.Debug("tts synthesis complete",
		slog.Int("chunks", sequence),
		slog.Duration("audio", audio),
		slog.Duration("latency", time.Since(start)))
	return nil
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("synthesize speech: %w", err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
