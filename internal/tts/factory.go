package tts

import (
	"fmt"

	"github.com/loqalabs/loqa-rooms/internal/config"
)

// NewSynthesizer selects the backend named by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS), nil
	case "openai":
		return NewOpenAISynth(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Voice, cfg.ChunkDurationMS)
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
