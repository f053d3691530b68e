package audio

import (
	"errors"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-rooms/internal/config"
)

// Sink consumes processed blocks. Sinks must not retain the slice.
type Sink interface {
	WriteSamples(samples []float64) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func([]float64) error

func (f SinkFunc) WriteSamples(samples []float64) error { return f(samples) }

// Graph is gain followed by compression, fanned out to any number of sinks.
// Either processor may be nil.
type Graph struct {
	mu         sync.Mutex
	gain       *Gain
	compressor *Compressor
	sinks      []Sink
}

// NewGraph builds the speech chain for audio at sampleRate.
func NewGraph(cfg config.AudioConfig, sampleRate int) *Graph {
	return &Graph{
		gain:       NewGain(cfg.Gain),
		compressor: NewCompressor(cfg.Compressor, sampleRate),
	}
}

// NewPassthrough builds a graph without processors, used for playback taps.
func NewPassthrough() *Graph { return &Graph{} }

func (g *Graph) Connect(sink Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks = append(g.sinks, sink)
}

func (g *Graph) Disconnect(sink Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks = slices.DeleteFunc(g.sinks, func(s Sink) bool { return s == sink })
}

// Process runs samples through the chain in place and writes the result to
// every sink. A failing sink does not stop the others.
func (g *Graph) Process(samples []float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gain != nil {
		g.gain.Process(samples)
	}
	if g.compressor != nil {
		g.compressor.Process(samples)
	}
	var errs []error
	for _, sink := range g.sinks {
		if err := sink.WriteSamples(samples); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset clears processor state between utterances.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.compressor != nil {
		g.compressor.Reset()
	}
}
