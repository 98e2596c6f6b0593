// Package dsp conditions raw microphone frames before voice activity
// detection: a second-order Butterworth high-pass removes rumble and DC
// offset, then a first-order pre-emphasis lifts the speech band.
//
// A Conditioner is stateful. Frames must be applied in capture order and the
// same instance must see the whole stream; the filter memory carries across
// frame boundaries so the stream behaves as one continuous signal.
package dsp

import "math"

const (
	minNormalizedCutoff = 1e-4
	maxNormalizedCutoff = 0.99
)

// Conditioner applies high-pass filtering and pre-emphasis to a frame stream.
// It is not safe for concurrent use.
type Conditioner struct {
	b0, b1, b2 float64
	a1, a2     float64
	preemph    float64

	// filter memory (transposed direct form II)
	z1, z2 float64
	prev   float64
	primed bool
}

// NewConditioner builds a conditioner for the given sample rate. The cutoff is
// normalized to Nyquist and clamped into [1e-4, 0.99] so every input yields a
// stable filter.
func NewConditioner(sampleRate int, highpassHz, preemph float64) *Conditioner {
	wn := NormalizedCutoff(sampleRate, highpassHz)
	c := &Conditioner{preemph: preemph}
	c.b0, c.b1, c.b2, c.a1, c.a2 = butterworthHighpass(wn)
	return c
}

// NormalizedCutoff returns highpassHz relative to the Nyquist frequency,
// clamped into the usable range.
func NormalizedCutoff(sampleRate int, highpassHz float64) float64 {
	if sampleRate <= 0 {
		return maxNormalizedCutoff
	}
	wn := highpassHz / (float64(sampleRate) / 2.0)
	if math.IsNaN(wn) || wn < minNormalizedCutoff {
		return minNormalizedCutoff
	}
	if wn > maxNormalizedCutoff {
		return maxNormalizedCutoff
	}
	return wn
}

// butterworthHighpass designs a 2nd order high-pass via the bilinear
// transform with frequency pre-warping. Coefficients are normalized so a0 = 1.
func butterworthHighpass(wn float64) (b0, b1, b2, a1, a2 float64) {
	k := math.Tan(math.Pi * wn / 2)
	k2 := k * k
	norm := 1 / (1 + math.Sqrt2*k + k2)
	b0 = norm
	b1 = -2 * norm
	b2 = norm
	a1 = 2 * (k2 - 1) * norm
	a2 = (1 - math.Sqrt2*k + k2) * norm
	return
}

// Apply filters one frame and returns a new slice; frame is left untouched.
func (c *Conditioner) Apply(frame []float32) []float32 {
	out := make([]float32, len(frame))
	for i, s := range frame {
		x := float64(s)
		y := c.b0*x + c.z1
		c.z1 = c.b1*x - c.a1*y + c.z2
		c.z2 = c.b2*x - c.a2*y

		z := y
		if c.primed {
			z = y - c.preemph*c.prev
		}
		c.prev = y
		c.primed = true
		out[i] = float32(z)
	}
	return out
}
