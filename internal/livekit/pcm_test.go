package livekit

import (
	"errors"
	"testing"

	media "github.com/livekit/media-sdk"
	"github.com/loqalabs/loqa-rooms/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkWriterForwardsFloats(t *testing.T) {
	var got []float64
	w := newSinkWriter("TR_1", PlaybackSampleRate, audio.SinkFunc(func(samples []float64) error {
		got = append(got, samples...)
		return nil
	}))

	assert.Equal(t, PlaybackSampleRate, w.SampleRate())
	assert.Contains(t, w.String(), "TR_1")

	require.NoError(t, w.WriteSample(media.PCM16Sample{0, 16384, -32768}))
	assert.Equal(t, []float64{0, 0.5, -1}, got)

	require.NoError(t, w.Close())
	require.NoError(t, w.WriteSample(media.PCM16Sample{1}))
	assert.Len(t, got, 3, "closed writer drops samples")
}

func TestSinkWriterPropagatesSinkError(t *testing.T) {
	boom := errors.New("sink full")
	w := newSinkWriter("TR_1", PlaybackSampleRate, audio.SinkFunc(func([]float64) error { return boom }))
	assert.ErrorIs(t, w.WriteSample(media.PCM16Sample{1, 2}), boom)
}

func TestToPCM16Clips(t *testing.T) {
	assert.Equal(t, media.PCM16Sample{0, 32767, -32768, 32767}, toPCM16([]float64{0, 1, -1, 3}))
	assert.Empty(t, toPCM16(nil))
}
