package tts

import (
	"context"
	"errors"
)

var (
	ErrEmptyText     = errors.New("tts text is empty")
	ErrMissingAPIKey = errors.New("tts api key is missing")
	ErrNoAudio       = errors.New("tts backend returned no audio")
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
	// Speed scales the speaking rate; zero means the backend default.
	Speed float64
}

// SynthChunk contains little-endian signed 16-bit PCM.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

func chunkBytes(sampleRate, channels, durationMS int) int {
	n := sampleRate * channels * 2 * durationMS / 1000
	if n < 2*channels {
		n = 2 * channels
	}
	// keep whole frames
	return n - n%(2*channels)
}
