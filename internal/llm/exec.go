package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator hands each prompt to an external command. The command reads
// a JSON request on stdin and answers with either a JSON object carrying
// "content" or plain text.
type execGenerator struct {
	cmd []string
}

type execRequest struct {
	Messages    []ollamaMessage `json:"messages"`
	Model       string          `json:"model,omitempty"`
	Room        string          `json:"room,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type execResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecGenerator parses command with shell quoting rules.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execRequest{
		Messages:    chatMessages(req),
		Model:       req.Model,
		Room:        req.Room,
		SessionID:   req.SessionID,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), "LOQA_ROOM="+req.Room, "LOQA_SESSION_ID="+req.SessionID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("llm command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("llm command failed: %w", err)
	}

	// a trailing newline ends the command's output, not the reply
	resp := execResponse{Content: strings.TrimRight(string(output), "\r\n")}
	if trimmed := bytes.TrimSpace(output); len(trimmed) > 0 && trimmed[0] == '{' {
		resp = execResponse{}
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return fmt.Errorf("decode llm command output: %w", err)
		}
	}

	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          resp.Content,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
