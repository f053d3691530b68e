package audio

import (
	"math"

	"github.com/loqalabs/loqa-rooms/internal/config"
)

// silenceDB stands in for the level of a zero sample.
const silenceDB = -180.0

// Compressor is a feed-forward dynamics compressor with a soft knee that
// starts at the threshold and spans knee dB above it. Attack and release
// smooth the gain reduction; makeup gain follows the Web Audio rule of
// (1/curve(0 dBFS))^0.6.
type Compressor struct {
	threshold float64
	knee      float64
	ratio     float64
	attack    float64
	release   float64
	makeup    float64

	reduction float64
}

func NewCompressor(cfg config.CompressorConfig, sampleRate int) *Compressor {
	c := &Compressor{
		threshold: cfg.Threshold,
		knee:      cfg.Knee,
		ratio:     cfg.Ratio,
		attack:    smoothingCoefficient(cfg.Attack, sampleRate),
		release:   smoothingCoefficient(cfg.Release, sampleRate),
	}
	if c.ratio < 1 {
		c.ratio = 1
	}
	if cfg.Makeup {
		c.makeup = -0.6 * c.Curve(0)
	}
	return c
}

func smoothingCoefficient(seconds float64, sampleRate int) float64 {
	if seconds <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1 / (seconds * float64(sampleRate)))
}

// Curve maps an input level in dBFS to the static output level.
func (c *Compressor) Curve(x float64) float64 {
	over := x - c.threshold
	switch {
	case over <= 0:
		return x
	case over < c.knee:
		return x + (1/c.ratio-1)*over*over/(2*c.knee)
	default:
		return c.threshold + c.knee/2 + (over-c.knee/2)/c.ratio
	}
}

// MakeupGain returns the automatic makeup gain in dB.
func (c *Compressor) MakeupGain() float64 { return c.makeup }

// Reduction returns the current gain reduction in dB (zero or negative).
func (c *Compressor) Reduction() float64 { return c.reduction }

func (c *Compressor) Reset() { c.reduction = 0 }

// Process compresses samples in place.
func (c *Compressor) Process(samples []float64) {
	for i, s := range samples {
		level := silenceDB
		if a := math.Abs(s); a > 1e-9 {
			level = 20 * math.Log10(a)
		}
		target := c.Curve(level) - level
		coef := c.release
		if target < c.reduction {
			coef = c.attack
		}
		c.reduction = coef*c.reduction + (1-coef)*target
		samples[i] = s * dbToLinear(c.reduction+c.makeup)
	}
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}
