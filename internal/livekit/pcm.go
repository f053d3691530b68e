package livekit

import (
	"fmt"
	"sync"

	media "github.com/livekit/media-sdk"
	"github.com/loqalabs/loqa-rooms/internal/audio"
)

// sinkWriter receives decoded remote audio and forwards it to a session sink
// as float samples.
type sinkWriter struct {
	name       string
	sampleRate int
	sink       audio.Sink

	mu     sync.Mutex
	buf    []float64
	closed bool
}

var _ media.PCM16Writer = (*sinkWriter)(nil)

func newSinkWriter(name string, sampleRate int, sink audio.Sink) *sinkWriter {
	return &sinkWriter{name: name, sampleRate: sampleRate, sink: sink}
}

func (w *sinkWriter) String() string {
	return fmt.Sprintf("SinkWriter(%s, %d)", w.name, w.sampleRate)
}

func (w *sinkWriter) SampleRate() int { return w.sampleRate }

func (w *sinkWriter) WriteSample(sample media.PCM16Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.buf = audio.Int16ToFloat(w.buf[:0], sample)
	return w.sink.WriteSamples(w.buf)
}

func (w *sinkWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// toPCM16 converts processed frames to what a PCM local track accepts.
func toPCM16(samples []float64) media.PCM16Sample {
	return media.PCM16Sample(audio.FloatToInt16(make([]int16, 0, len(samples)), samples))
}
