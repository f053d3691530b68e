package visualizer

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRenderer() *Renderer {
	return NewRenderer(config.Default().Visualizer)
}

func isBar(c color.RGBA) bool {
	return c.R >= BarBottom.R && c.G < 0x50 && c.B < 0x50
}

func TestRenderBackgroundOnly(t *testing.T) {
	img := newRenderer().Render(nil, true)
	assert.Equal(t, 600, img.Bounds().Dx())
	assert.Equal(t, 128, img.Bounds().Dy())
	assert.Equal(t, Background, img.RGBAAt(0, 0))
	assert.Equal(t, Background, img.RGBAAt(599, 127))
}

func TestRenderFullBar(t *testing.T) {
	data := make([]byte, 256)
	data[0] = 255
	img := newRenderer().Render(data, true)

	// bar 0 spans x in [0, 600/256*2.5-1)
	assert.True(t, isBar(img.RGBAAt(2, 64)), "middle of full bar is filled")
	assert.True(t, isBar(img.RGBAAt(2, 120)))
	// bar 1 is empty
	assert.Equal(t, Background, img.RGBAAt(8, 100))
	// gradient is brighter towards the top
	top, bottom := img.RGBAAt(2, 10), img.RGBAAt(2, 120)
	assert.Greater(t, top.G, bottom.G)
}

func TestRenderIdleBars(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = 255
	}
	img := newRenderer().Render(data, false)

	assert.Equal(t, Background, img.RGBAAt(2, 100), "idle bars stay short")
	bottom := img.RGBAAt(2, 127)
	assert.NotEqual(t, Background, bottom)
}

func TestRenderHalfHeight(t *testing.T) {
	data := make([]byte, 256)
	data[0] = 128
	img := newRenderer().Render(data, true)
	assert.Equal(t, Background, img.RGBAAt(2, 30))
	assert.True(t, isBar(img.RGBAAt(2, 100)))
}

func TestEncodePNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newRenderer().EncodePNG(&buf, []byte{10, 200, 30}, true))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 600, img.Bounds().Dx())
}

func TestGradientEnds(t *testing.T) {
	g := &gradient{width: 1, height: 100, bottom: BarBottom, top: BarTop}
	assert.Equal(t, BarTop.G, g.At(0, -1).(color.RGBA).G)
	assert.InDelta(t, BarBottom.G, g.At(0, 99).(color.RGBA).G, 1)
}
