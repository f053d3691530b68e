package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/config"
)

var (
	// ErrMissingAPIKey is returned when a hosted backend has no credentials.
	ErrMissingAPIKey   = errors.New("llm api key is missing")
	ErrEmptyCompletion = errors.New("llm returned an empty completion")
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Room        string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds a request for prompt with configured defaults.
func RequestFromConfig(cfg config.LLMConfig, prompt string) Request {
	return Request{
		Prompt:      prompt,
		System:      cfg.System,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// Complete drains a generation into its final text. The text is returned as
// the backend produced it; only an all-whitespace reply is an error.
func Complete(ctx context.Context, gen Generator, req Request) (string, error) {
	var sb strings.Builder
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
