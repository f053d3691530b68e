package tts

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-rooms/internal/audio"
)

const (
	mockToneHz      = 220.0
	mockAmplitude   = 0.3
	mockPerRune     = 50 * time.Millisecond
	mockMinDuration = 200 * time.Millisecond
)

type mockSynth struct {
	sampleRate int
	channels   int
	chunkMS    int
}

// NewMockSynth returns a synthesizer that renders a fixed tone whose length
// grows with the text.
func NewMockSynth(sampleRate, channels, chunkMS int) Synthesizer {
	if chunkMS <= 0 {
		chunkMS = 400
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunkMS: chunkMS}
}

// MockDuration is the length of audio the mock renders for text.
func MockDuration(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * mockPerRune
	if d < mockMinDuration {
		d = mockMinDuration
	}
	return d
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if req.Text == "" {
			errs <- ErrEmptyText
			return
		}

		duration := MockDuration(req.Text)
		if req.Speed > 0 {
			duration = time.Duration(float64(duration) / req.Speed)
		}
		total := int(duration.Seconds() * float64(m.sampleRate))
		samples := make([]float64, 0, total*m.channels)
		for i := 0; i < total; i++ {
			v := mockAmplitude * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(m.sampleRate))
			for c := 0; c < m.channels; c++ {
				samples = append(samples, v)
			}
		}
		pcm := audio.FloatToPCM16(samples)

		size := chunkBytes(m.sampleRate, m.channels, m.chunkMS)
		for seq, off := 0, 0; off < len(pcm); seq, off = seq+1, off+size {
			end := min(off+size, len(pcm))
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm[off:end],
				Final:      end == len(pcm),
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, errs
}
