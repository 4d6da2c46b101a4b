// Package iir holds single-pole recursive filters for real-valued streams.
// Each filter keeps its state between calls.
package iir

import "math"

const DefaultDCBlockAlpha = 0.995

// DCBlock removes the DC component: y[n] = x[n] - x[n-1] + alpha*y[n-1].
type DCBlock struct {
	alpha float32
	prevX float32
	prevY float32
}

func MakeDCBlock(alpha float32) *DCBlock {
	return &DCBlock{alpha: alpha}
}

func (f *DCBlock) WorkBuffer(input, output []float32) int {
	for i, x := range input {
		y := x - f.prevX + f.alpha*f.prevY
		f.prevX = x
		f.prevY = y
		output[i] = y
	}
	return len(input)
}

func (f *DCBlock) PredictOutputSize(inputLength int) int {
	return inputLength
}

// LowPass is an exponential smoother: y[n] = y[n-1] + alpha*(x[n] - y[n-1]).
type LowPass struct {
	alpha float32
	prev  float32
}

func MakeLowPass(alpha float32) *LowPass {
	return &LowPass{alpha: alpha}
}

// AlphaForCutoff returns the smoothing factor placing the -3 dB point of a
// LowPass near cutoff.
func AlphaForCutoff(cutoff, sampleRate float64) float32 {
	return float32(1 - math.Exp(-2*math.Pi*cutoff/sampleRate))
}

func (f *LowPass) WorkBuffer(input, output []float32) int {
	for i, x := range input {
		f.prev += f.alpha * (x - f.prev)
		output[i] = f.prev
	}
	return len(input)
}

func (f *LowPass) PredictOutputSize(inputLength int) int {
	return inputLength
}
