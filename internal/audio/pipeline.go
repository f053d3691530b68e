package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/config"
)

// Pipeline resamples synthesizer output to the publish rate and feeds a Graph
// one frame at a time.
type Pipeline struct {
	graph        *Graph
	rate         int
	frameSamples int
	frameDur     time.Duration
	realtime     bool

	resampler *Resampler
	pending   []float64
	next      time.Time
	written   time.Duration
}

func NewPipeline(cfg config.AudioConfig, graph *Graph) *Pipeline {
	frameDur := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	return &Pipeline{
		graph:        graph,
		rate:         cfg.PublishSampleRate,
		frameSamples: cfg.PublishSampleRate * cfg.FrameDurationMS / 1000,
		frameDur:     frameDur,
		realtime:     cfg.Realtime,
	}
}

// SampleRate is the rate of every frame handed to the graph.
func (p *Pipeline) SampleRate() int { return p.rate }

// FrameSamples is the number of samples per frame.
func (p *Pipeline) FrameSamples() int { return p.frameSamples }

// Written reports how much audio has left the pipeline since the last Reset.
func (p *Pipeline) Written() time.Duration { return p.written }

// WritePCM16 accepts interleaved little-endian PCM at sampleRate.
func (p *Pipeline) WritePCM16(ctx context.Context, pcm []byte, sampleRate, channels int) error {
	samples := Downmix(PCM16ToFloat(nil, pcm), channels)
	return p.Write(ctx, samples, sampleRate)
}

// Write accepts mono samples at sampleRate.
func (p *Pipeline) Write(ctx context.Context, samples []float64, sampleRate int) error {
	if p.resampler == nil || p.resampler.InputRate() != sampleRate {
		rs, err := NewResampler(sampleRate, p.rate)
		if err != nil {
			return err
		}
		p.resampler = rs
	}
	out, err := p.resampler.Process(samples)
	if err != nil {
		return err
	}
	return p.push(ctx, out)
}

func (p *Pipeline) push(ctx context.Context, samples []float64) error {
	p.pending = append(p.pending, samples...)
	for len(p.pending) >= p.frameSamples {
		frame := make([]float64, p.frameSamples)
		copy(frame, p.pending)
		p.pending = p.pending[p.frameSamples:]
		if err := p.emit(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Flush drains the resampler tail and pushes any partial frame, padded with
// silence.
func (p *Pipeline) Flush(ctx context.Context) error {
	if p.resampler != nil {
		tail, err := p.resampler.Flush()
		if err != nil {
			return err
		}
		if err := p.push(ctx, tail); err != nil {
			return err
		}
	}
	if len(p.pending) == 0 {
		return nil
	}
	frame := make([]float64, p.frameSamples)
	copy(frame, p.pending)
	p.pending = p.pending[:0]
	return p.emit(ctx, frame)
}

// Reset drops buffered audio and resampler state.
func (p *Pipeline) Reset() {
	p.resampler = nil
	p.pending = nil
	p.next = time.Time{}
	p.written = 0
	p.graph.Reset()
}

func (p *Pipeline) emit(ctx context.Context, frame []float64) error {
	if err := p.pace(ctx); err != nil {
		return err
	}
	if err := p.graph.Process(frame); err != nil {
		return fmt.Errorf("audio sink: %w", err)
	}
	p.written += p.frameDur
	return nil
}

// pace holds frames to wall-clock time so a live track is not flooded.
func (p *Pipeline) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.realtime {
		return nil
	}
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > 4*p.frameDur {
		p.next = now
	}
	wait := p.next.Sub(now)
	p.next = p.next.Add(p.frameDur)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
