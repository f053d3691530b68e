package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	frames [][]float64
}

func (r *recordingSink) WriteSamples(samples []float64) error {
	r.frames = append(r.frames, append([]float64(nil), samples...))
	return nil
}

func testAudioConfig() config.AudioConfig {
	cfg := config.Default().Audio
	cfg.Realtime = false
	return cfg
}

func TestResamplerPassthrough(t *testing.T) {
	rs, err := NewResampler(48000, 48000)
	require.NoError(t, err)
	in := []float64{0.1, 0.2}
	out, err := rs.Process(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestResamplerUpsamples(t *testing.T) {
	rs, err := NewResampler(24000, 48000)
	require.NoError(t, err)
	var total int
	for i := 0; i < 10; i++ {
		out, err := rs.Process(sine(2400, 440, 24000))
		require.NoError(t, err)
		total += len(out)
	}
	// ten 100 ms blocks, less filter delay
	assert.Greater(t, total, 24000)
	assert.LessOrEqual(t, total, 48000)
}

func TestResamplerFlushReturnsTail(t *testing.T) {
	rs, err := NewResampler(24000, 48000)
	require.NoError(t, err)
	out, err := rs.Process(constant(2400, 0.5))
	require.NoError(t, err)
	tail, err := rs.Flush()
	require.NoError(t, err)
	assert.NotEmpty(t, tail)
	assert.InDelta(t, 4800, len(out)+len(tail), 48)
}

func TestPipelineFlushKeepsResamplerTail(t *testing.T) {
	cfg := testAudioConfig()
	cfg.PublishSampleRate = 48000
	cfg.FrameDurationMS = 10
	sink := &recordingSink{}
	g := NewPassthrough()
	g.Connect(sink)
	p := NewPipeline(cfg, g)

	ctx := context.Background()
	require.NoError(t, p.Write(ctx, constant(2400, 0.5), 24000))
	require.NoError(t, p.Flush(ctx))

	var audible int
	for _, frame := range sink.frames {
		for _, v := range frame {
			if v > 0.01 {
				audible++
			}
		}
	}
	// 100 ms at 48 kHz
	assert.InDelta(t, 4800, audible, 60)
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestGraphFansOut(t *testing.T) {
	g := NewGraph(testAudioConfig(), 48000)
	a, b := &recordingSink{}, &recordingSink{}
	g.Connect(a)
	g.Connect(b)

	require.NoError(t, g.Process([]float64{0.001, 0.001}))
	require.Len(t, a.frames, 1)
	assert.Equal(t, a.frames, b.frames)
	assert.Greater(t, a.frames[0][0], 0.001*1.2, "makeup gain applied")

	g.Disconnect(b)
	require.NoError(t, g.Process([]float64{0}))
	assert.Len(t, a.frames, 2)
	assert.Len(t, b.frames, 1)
}

func TestGraphJoinsSinkErrors(t *testing.T) {
	g := NewPassthrough()
	boom := errors.New("boom")
	ok := &recordingSink{}
	g.Connect(SinkFunc(func([]float64) error { return boom }))
	g.Connect(ok)

	err := g.Process([]float64{0.5})
	assert.ErrorIs(t, err, boom)
	require.Len(t, ok.frames, 1)
	assert.Equal(t, 0.5, ok.frames[0][0])
}

func TestPipelineFramesAtPublishRate(t *testing.T) {
	cfg := testAudioConfig()
	sink := &recordingSink{}
	graph := NewGraph(cfg, cfg.PublishSampleRate)
	graph.Connect(sink)
	p := NewPipeline(cfg, graph)
	assert.Equal(t, 960, p.FrameSamples())

	ctx := context.Background()
	pcm := FloatToPCM16(sine(12000, 440, 24000)) // 500 ms
	require.NoError(t, p.WritePCM16(ctx, pcm, 24000, 1))
	require.NoError(t, p.Flush(ctx))

	require.NotEmpty(t, sink.frames)
	for _, f := range sink.frames {
		assert.Len(t, f, 960)
	}
	assert.GreaterOrEqual(t, len(sink.frames), 10)
	assert.LessOrEqual(t, len(sink.frames), 26)
	assert.Equal(t, time.Duration(len(sink.frames))*20*time.Millisecond, p.Written())

	p.Reset()
	assert.Zero(t, p.Written())
}

func TestPipelinePacesInRealtime(t *testing.T) {
	cfg := testAudioConfig()
	cfg.Realtime = true
	p := NewPipeline(cfg, NewPassthrough())

	start := time.Now()
	require.NoError(t, p.Write(context.Background(), make([]float64, 48000/10), 48000))
	// five 20 ms frames; the first goes out immediately
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestPipelineStopsOnCancel(t *testing.T) {
	cfg := testAudioConfig()
	cfg.Realtime = true
	p := NewPipeline(cfg, NewPassthrough())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Write(ctx, make([]float64, 48000), 48000)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWAVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	sink, err := NewWAVSink(path, 16000)
	require.NoError(t, err)
	assert.Equal(t, path, sink.Path())

	require.NoError(t, sink.WriteSamples([]float64{0, 0.5, -0.5}))
	require.NoError(t, sink.WriteSamples([]float64{1}))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Error(t, sink.WriteSamples([]float64{0}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(16000), dec.SampleRate)
	assert.Equal(t, uint16(1), dec.NumChans)
	assert.Equal(t, []int{0, 16383, -16384, 32767}, buf.Data)
}
