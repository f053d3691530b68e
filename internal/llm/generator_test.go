package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGeneratorStreamsWords(t *testing.T) {
	var chunks []Chunk
	err := NewMockGenerator().Generate(context.Background(), Request{Prompt: " tell a story "}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.False(t, chunks[len(chunks)-1].Partial)

	text, err := Complete(context.Background(), NewMockGenerator(), Request{Prompt: "tell a story"})
	require.NoError(t, err)
	assert.Equal(t, "[mock completion for tell a story]", text)
}

func TestMockGeneratorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMockGenerator().Generate(ctx, Request{Prompt: "x"}, func(Chunk) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompleteStopsOnConsumerError(t *testing.T) {
	boom := errors.New("boom")
	err := NewMockGenerator().Generate(context.Background(), Request{Prompt: "a b c"}, func(Chunk) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestOllamaGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultOllamaModel, req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Equal(t, "user", req.Messages[1].Role)
			assert.Equal(t, "hi", req.Messages[1].Content)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":2,"prompt_eval_count":3}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "")
	var last Chunk
	var count int
	err := gen.Generate(context.Background(), Request{Prompt: "hi", System: "be brief"}, func(c Chunk) error {
		count++
		last = c
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.False(t, last.Partial)
	assert.Equal(t, 2, last.CompletionTokens)
	assert.Equal(t, 3, last.PromptTokens)

	text, err := Complete(context.Background(), gen, Request{Prompt: "hi", System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "llama3").Generate(context.Background(), Request{Prompt: "hi"}, func(Chunk) error { return nil })
	assert.ErrorContains(t, err, "502")
}

func TestExecGenerator(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "llm.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho '{\"content\":\"from exec\",\"completion_tokens\":2}'\n"), 0o755))

	gen, err := NewExecGenerator(script)
	require.NoError(t, err)
	text, err := Complete(context.Background(), gen, Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from exec", text)

	_, err = NewExecGenerator("   ")
	assert.Error(t, err)
}

func TestExecGeneratorPlainText(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "llm.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho \"room $LOQA_ROOM\"\n"), 0o755))

	gen, err := NewExecGenerator(script)
	require.NoError(t, err)
	text, err := Complete(context.Background(), gen, Request{Prompt: "hi", Room: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, "room lobby", text)
}

func TestExecGeneratorReportsStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "llm.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'model offline' >&2\nexit 3\n"), 0o755))

	gen, err := NewExecGenerator(script)
	require.NoError(t, err)
	_, err = Complete(context.Background(), gen, Request{Prompt: "hi"})
	assert.ErrorContains(t, err, "model offline")
}

func TestNewGenerator(t *testing.T) {
	cfg := config.Default().LLM

	cfg.Mode = "mock"
	gen, err := NewGenerator(cfg)
	require.NoError(t, err)
	assert.NotNil(t, gen)

	cfg.Mode = "openai"
	cfg.APIKey = ""
	_, err = NewGenerator(cfg)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	cfg.Mode = "ollama"
	gen, err = NewGenerator(cfg)
	require.NoError(t, err)
	assert.NotNil(t, gen)

	cfg.Mode = "carrier-pigeon"
	_, err = NewGenerator(cfg)
	assert.Error(t, err)
}
