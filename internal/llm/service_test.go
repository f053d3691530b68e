package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingGenerator struct{ err error }

func (f failingGenerator) Generate(context.Context, Request, func(Chunk) error) error { return f.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mockConfig() config.LLMConfig {
	cfg := config.Default().LLM
	cfg.Mode = "mock"
	return cfg
}

func TestServiceGenerate(t *testing.T) {
	svc := NewService(mockConfig(), NewMockGenerator(), testLogger())
	assert.True(t, svc.Available())
	assert.True(t, svc.Healthy())

	text, err := svc.Generate(context.Background(), "s1", "lobby", "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "[mock completion for hello]", text)
}

func TestServiceValidation(t *testing.T) {
	svc := NewService(mockConfig(), NewMockGenerator(), testLogger())
	_, err := svc.Generate(context.Background(), "s1", "lobby", "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	missing := NewService(mockConfig(), nil, testLogger())
	assert.False(t, missing.Available())
	_, err = missing.Generate(context.Background(), "s1", "lobby", "hi")
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	cfg := mockConfig()
	cfg.Enabled = false
	disabled := NewService(cfg, NewMockGenerator(), testLogger())
	assert.True(t, disabled.Healthy())
	_, err = disabled.Generate(context.Background(), "s1", "lobby", "hi")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestServiceWrapsBackendErrors(t *testing.T) {
	boom := errors.New("backend down")
	svc := NewService(mockConfig(), failingGenerator{err: boom}, testLogger())
	_, err := svc.Generate(context.Background(), "s1", "lobby", "hi")
	assert.ErrorIs(t, err, boom)
}
