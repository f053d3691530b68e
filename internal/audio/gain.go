package audio

import (
	"math"
	"sync/atomic"
)

// Gain scales samples by a linear factor that may change while audio flows.
type Gain struct {
	bits atomic.Uint64
}

func NewGain(value float64) *Gain {
	g := &Gain{}
	g.Set(value)
	return g
}

func (g *Gain) Set(value float64) { g.bits.Store(math.Float64bits(value)) }

func (g *Gain) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Process scales samples in place.
func (g *Gain) Process(samples []float64) {
	v := g.Value()
	if v == 1 {
		return
	}
	for i := range samples {
		samples[i] *= v
	}
}
