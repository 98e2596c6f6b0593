// Package vad classifies conditioned frames as voiced or unvoiced against an
// adaptive noise floor.
package vad

import "math"

const (
	// DefaultAlpha is the smoothing factor of the noise floor average.
	DefaultAlpha = 0.995
	// InitialNoiseFloor seeds the floor before any silence has been observed.
	InitialNoiseFloor = 1e-4
	// MinThreshold keeps a long run of digital silence from decaying the
	// threshold to zero.
	MinThreshold = 1e-5
)

// Decision is the classification of a single frame.
type Decision struct {
	Voiced bool
	Energy float64
}

// Detector is an energy VAD with a slowly adapting noise floor. The floor only
// learns from frames it classifies as unvoiced. Not safe for concurrent use.
type Detector struct {
	energyFactor float64
	alpha        float64
	noiseFloor   float64
}

// New creates a detector that treats frames at or above
// energyFactor*noiseFloor as voiced.
func New(energyFactor float64) *Detector {
	return &Detector{
		energyFactor: energyFactor,
		alpha:        DefaultAlpha,
		noiseFloor:   InitialNoiseFloor,
	}
}

// Classify computes the frame RMS and classifies it. Unvoiced frames update
// the noise floor; voiced frames never do.
func (d *Detector) Classify(frame []float32) Decision {
	e := RMS(frame)
	if e < d.Threshold() {
		d.noiseFloor = d.alpha*d.noiseFloor + (1-d.alpha)*e
		return Decision{Voiced: false, Energy: e}
	}
	return Decision{Voiced: true, Energy: e}
}

// Threshold returns the current voiced/unvoiced boundary.
func (d *Detector) Threshold() float64 {
	return math.Max(MinThreshold, d.energyFactor*d.noiseFloor)
}

// NoiseFloor returns the current ambient energy estimate.
func (d *Detector) NoiseFloor() float64 {
	return d.noiseFloor
}

// RMS returns the root-mean-square amplitude of frame, 0 for an empty frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
