package audio

import (
	"math"
	"sync"

	"github.com/loqalabs/loqa-rooms/internal/config"
)

// Analyser mirrors the Web Audio AnalyserNode: it keeps the most recent
// fftSize samples and, on demand, returns a Blackman-windowed magnitude
// spectrum smoothed over time and scaled between min and max decibels.
type Analyser struct {
	mu        sync.Mutex
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	ring     []float64
	pos      int
	window   []float64
	smoothed []float64
	re, im   []float64
}

func NewAnalyser(cfg config.VisualizerConfig) *Analyser {
	n := cfg.FFTSize
	a := &Analyser{
		fftSize:   n,
		smoothing: cfg.Smoothing,
		minDB:     cfg.MinDecibels,
		maxDB:     cfg.MaxDecibels,
		ring:      make([]float64, n),
		window:    make([]float64, n),
		smoothed:  make([]float64, n/2),
		re:        make([]float64, n),
		im:        make([]float64, n),
	}
	const a0, a1, a2 = 0.42, 0.5, 0.08
	for i := range a.window {
		x := float64(i) / float64(n)
		a.window[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return a
}

// FrequencyBinCount is half the FFT size.
func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

// WriteSamples appends samples to the analysis window. It implements Sink.
func (a *Analyser) WriteSamples(samples []float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) >= a.fftSize {
		copy(a.ring, samples[len(samples)-a.fftSize:])
		a.pos = 0
		return nil
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.fftSize
	}
	return nil
}

// Reset clears the window and the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// FloatFrequencyData fills dst with the current spectrum in dB, allocating
// when dst is too short. Silent bins report -Inf.
func (a *Analyser) FloatFrequencyData(dst []float64) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyse()
	bins := len(a.smoothed)
	if cap(dst) < bins {
		dst = make([]float64, bins)
	}
	dst = dst[:bins]
	for i, m := range a.smoothed {
		dst[i] = 20 * math.Log10(m)
	}
	return dst
}

// ByteFrequencyData fills dst with the current spectrum scaled to 0..255.
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyse()
	bins := len(a.smoothed)
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]
	scale := 255 / (a.maxDB - a.minDB)
	for i, m := range a.smoothed {
		db := 20 * math.Log10(m)
		v := math.Floor(scale * (db - a.minDB))
		switch {
		case math.IsNaN(v) || v < 0:
			dst[i] = 0
		case v > 255:
			dst[i] = 255
		default:
			dst[i] = byte(v)
		}
	}
	return dst
}

// analyse runs one FFT over the window, oldest sample first, and folds the
// magnitudes into the smoothed spectrum. Caller holds mu.
func (a *Analyser) analyse() {
	n := a.fftSize
	for i := 0; i < n; i++ {
		a.re[i] = a.ring[(a.pos+i)%n] * a.window[i]
		a.im[i] = 0
	}
	fft(a.re, a.im)
	for k := range a.smoothed {
		mag := math.Hypot(a.re[k], a.im[k]) / float64(n)
		prev := a.smoothed[k]
		if math.IsNaN(prev) || math.IsInf(prev, 0) {
			prev = 0
		}
		a.smoothed[k] = a.smoothing*prev + (1-a.smoothing)*mag
	}
}
