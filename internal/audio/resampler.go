package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a mono stream between sample rates. Equal rates pass
// samples through untouched.
type Resampler struct {
	in, out   int
	resampler resampling.Resampler
}

func NewResampler(inRate, outRate int) (*Resampler, error) {
	r := &Resampler{in: inRate, out: outRate}
	if inRate == outRate {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	r.resampler = rs
	return r, nil
}

func (r *Resampler) InputRate() int  { return r.in }
func (r *Resampler) OutputRate() int { return r.out }

// Process returns resampled output for samples. The filter delays output, so
// early calls may return fewer samples than the rate ratio implies.
func (r *Resampler) Process(samples []float64) ([]float64, error) {
	if r.resampler == nil {
		return samples, nil
	}
	out, err := r.resampler.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	return out, nil
}

// Flush returns the samples still held by the filter and clears its state so
// the next Process starts a new stream.
func (r *Resampler) Flush() ([]float64, error) {
	if r.resampler == nil {
		return nil, nil
	}
	out, err := r.resampler.Flush()
	r.resampler.Reset()
	if err != nil {
		return nil, fmt.Errorf("resample flush: %w", err)
	}
	return out, nil
}
