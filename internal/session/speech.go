package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/loqalabs/loqa-rooms/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Speak generates text for prompt, stores it as the generated text and
// starts speaking it on the published track, cancelling any speech already
// in progress. It returns once generation finishes; WaitSpeech blocks until
// playback ends.
func (s *Session) Speak(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	s.mu.Lock()
	st, role := s.state, s.role
	s.mu.Unlock()
	if st != stateConnected {
		return "", ErrNotConnected
	}
	if role != RoleHost {
		return "", ErrNotHost
	}
	if s.opts.Text == nil {
		return "", ErrNoGenerator
	}

	ctx, span := s.tracer.Start(ctx, "session.speak", trace.WithAttributes(attribute.String("room", s.opts.Room)))
	defer span.End()

	s.loading.Store(true)
	text, err := s.opts.Text.Generate(ctx, s.id, s.opts.Room, prompt)
	s.loading.Store(false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.emit(protocol.RoomEvent{Type: protocol.EventSpeechFailed, Error: err.Error()})
		return "", err
	}

	s.mu.Lock()
	s.generated = text
	s.mu.Unlock()
	s.emit(protocol.RoomEvent{Type: protocol.EventTextGenerated, Text: text})

	if err := s.startSpeech(text); err != nil {
		return text, err
	}
	return text, nil
}

// WaitSpeech blocks until the current utterance ends and returns its error.
// An utterance replaced by a newer one ends with context.Canceled.
func (s *Session) WaitSpeech(ctx context.Context) error {
	s.speechMu.Lock()
	done, result := s.speechDone, s.speechErr
	s.speechMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return *result
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) startSpeech(text string) error {
	s.speechMu.Lock()
	defer s.speechMu.Unlock()

	if s.speechCancel != nil {
		s.speechCancel()
		<-s.speechDone
	}

	s.mu.Lock()
	if s.state != stateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	parent, track := s.ctx, s.published
	s.mu.Unlock()

	if track != nil {
		track.ClearQueue()
	}

	ctx, cancel := context.WithCancel(parent)
	done, result := make(chan struct{}), new(error)
	s.speechCancel, s.speechDone, s.speechErr = cancel, done, result
	s.speaking.Store(true)
	s.emit(protocol.RoomEvent{Type: protocol.EventSpeechStarted, Text: text})
	go s.runSpeech(ctx, cancel, done, result, text)
	return nil
}

func (s *Session) stopSpeech() {
	s.speechMu.Lock()
	cancel, done := s.speechCancel, s.speechDone
	s.speechMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// runSpeech stores the outcome in result before closing done.
func (s *Session) runSpeech(ctx context.Context, cancel context.CancelFunc, done chan struct{}, result *error, text string) {
	defer close(done)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "session.play", trace.WithAttributes(attribute.Int("chars", len(text))))
	defer span.End()

	start := time.Now()
	played, err := s.play(ctx, text)
	s.speaking.Store(false)
	*result = err

	switch {
	case err == nil:
		s.log.Info("finished speaking", slog.Duration("audio", played), slog.Duration("elapsed", time.Since(start)))
		s.emit(protocol.RoomEvent{Type: protocol.EventSpeechFinished, Text: text})
	case errors.Is(err, context.Canceled):
		s.log.Info("speech cancelled", slog.Duration("audio", played))
		s.emit(protocol.RoomEvent{Type: protocol.EventSpeechCancelled, Text: text})
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("speech failed", slog.String("error", err.Error()))
		s.emit(protocol.RoomEvent{Type: protocol.EventSpeechFailed, Text: text, Error: err.Error()})
	}
}

// play pushes synthesized audio through the pipeline and returns how much
// audio was written.
func (s *Session) play(ctx context.Context, text string) (time.Duration, error) {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return 0, ErrNotHost
	}
	if s.opts.Speech == nil {
		return 0, tts.ErrMissingAPIKey
	}

	pipeline.Reset()
	req := tts.SynthRequest{SessionID: s.id, Text: text, Voice: s.opts.Voice, Speed: s.opts.Speed}
	err := s.opts.Speech.Stream(ctx, req, func(chunk tts.SynthChunk) error {
		return pipeline.WritePCM16(ctx, chunk.PCM, chunk.SampleRate, chunk.Channels)
	})
	if err == nil {
		err = pipeline.Flush(ctx)
	}
	return pipeline.Written(), err
}
