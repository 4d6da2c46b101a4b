// Package quad implements a streaming quadrature FM demodulator.
package quad

import (
	"math"

	"github.com/racerxdl/segdsp/dsp"
)

// QuadDemod outputs the scaled phase difference between consecutive
// samples. The last sample of each call is kept so the stream stays
// continuous across calls; the very first output is measured against zero.
type QuadDemod struct {
	gain float32
	prev complex64
	tmp  []complex64
}

func MakeQuadDemod(gain float32) *QuadDemod {
	return &QuadDemod{gain: gain}
}

// GainForDeviation maps a deviation of maxDeviation Hz to an output of 1.0.
func GainForDeviation(sampleRate, maxDeviation float64) float32 {
	return float32(sampleRate / (2 * math.Pi * maxDeviation))
}

func (f *QuadDemod) Work(data []complex64) []float32 {
	out := make([]float32, f.PredictOutputSize(len(data)))
	n := f.WorkBuffer(data, out)
	return out[:n]
}

func (f *QuadDemod) WorkBuffer(input []complex64, output []float32) int {
	n := len(input)
	if n == 0 {
		return 0
	}

	if cap(f.tmp) < n+1 {
		f.tmp = make([]complex64, n+1)
	}
	samples := f.tmp[:n+1]
	samples[0] = f.prev
	copy(samples[1:], input)

	diff := dsp.MultiplyConjugate(samples[1:], samples, n)
	for i := 0; i < n; i++ {
		output[i] = f.gain * float32(math.Atan2(float64(imag(diff[i])), float64(real(diff[i]))))
	}

	f.prev = input[n-1]
	return n
}

func (f *QuadDemod) PredictOutputSize(inputLength int) int {
	return inputLength
}
