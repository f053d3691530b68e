package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

// Generate streams a canned reply word by word.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	words := strings.Fields("[mock completion for " + strings.TrimSpace(req.Prompt) + "]")
	for i, word := range words {
		content := word
		if i < len(words)-1 {
			content += " "
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   content,
			Partial:   i < len(words)-1,
			Latency:   20 * time.Millisecond,
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
