// Package visualizer draws analyser spectra as rounded frequency bars.
package visualizer

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"golang.org/x/image/vector"
)

var (
	Background = color.RGBA{R: 17, G: 24, B: 39, A: 255}
	BarBottom  = color.RGBA{R: 0xdc, G: 0x26, B: 0x26, A: 255}
	BarTop     = color.RGBA{R: 0xef, G: 0x44, B: 0x44, A: 255}
)

const (
	barSpread = 2.5
	barGap    = 1.0
	barRadius = 3.0
	idleBar   = 2.0
)

// Renderer draws one frame per call. It is not safe for concurrent use.
type Renderer struct {
	width, height int
	raster        *vector.Rasterizer
	fill          *gradient
}

func NewRenderer(cfg config.VisualizerConfig) *Renderer {
	return &Renderer{
		width:  cfg.Width,
		height: cfg.Height,
		raster: vector.NewRasterizer(cfg.Width, cfg.Height),
		fill:   &gradient{width: cfg.Width, height: cfg.Height, bottom: BarBottom, top: BarTop},
	}
}

func (r *Renderer) Bounds() image.Rectangle { return image.Rect(0, 0, r.width, r.height) }

// Render allocates a canvas and draws data onto it.
func (r *Renderer) Render(data []byte, playing bool) *image.RGBA {
	dst := image.NewRGBA(r.Bounds())
	r.Draw(dst, data, playing)
	return dst
}

// Draw paints the background and one bar per bin. While not playing every
// bar is drawn at idle height.
func (r *Renderer) Draw(dst *image.RGBA, data []byte, playing bool) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)
	if len(data) == 0 {
		return
	}

	r.raster.Reset(r.width, r.height)
	barWidth := float64(r.width) / float64(len(data)) * barSpread
	h := float64(r.height)
	x := 0.0
	for _, v := range data {
		if x >= float64(r.width) {
			break
		}
		barHeight := idleBar
		if playing {
			barHeight = float64(v) / 255 * h
		}
		if barHeight > 0 {
			roundRect(r.raster, x, h-barHeight, barWidth-barGap, barHeight, barRadius)
		}
		x += barWidth
	}
	r.raster.Draw(dst, dst.Bounds(), r.fill, image.Point{})
}

// EncodePNG renders a frame and writes it as PNG.
func (r *Renderer) EncodePNG(w io.Writer, data []byte, playing bool) error {
	if err := png.Encode(w, r.Render(data, playing)); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

// roundRect adds a closed rounded rectangle to z. Radii larger than half a
// side shrink to fit.
func roundRect(z *vector.Rasterizer, x, y, w, h, radius float64) {
	if w <= 0 || h <= 0 {
		return
	}
	rad := math.Min(radius, math.Min(w/2, h/2))
	x0, y0 := float32(x), float32(y)
	x1, y1 := float32(x+w), float32(y+h)
	r := float32(rad)

	z.MoveTo(x0+r, y0)
	z.LineTo(x1-r, y0)
	z.QuadTo(x1, y0, x1, y0+r)
	z.LineTo(x1, y1-r)
	z.QuadTo(x1, y1, x1-r, y1)
	z.LineTo(x0+r, y1)
	z.QuadTo(x0, y1, x0, y1-r)
	z.LineTo(x0, y0+r)
	z.QuadTo(x0, y0, x0+r, y0)
	z.ClosePath()
}

// gradient is a vertical blend from bottom at the last row to top at row 0.
type gradient struct {
	width       int
	height      int
	bottom, top color.RGBA
}

func (g *gradient) ColorModel() color.Model { return color.RGBAModel }

func (g *gradient) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.width, g.height)
}

func (g *gradient) At(_, y int) color.Color {
	t := 1.0
	if g.height > 0 {
		t = 1 - (float64(y)+0.5)/float64(g.height)
	}
	lerp := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a) + (float64(b)-float64(a))*t))
	}
	return color.RGBA{
		R: lerp(g.bottom.R, g.top.R),
		G: lerp(g.bottom.G, g.top.G),
		B: lerp(g.bottom.B, g.top.B),
		A: 255,
	}
}
