// Package spectrum estimates where the energy of a sample block sits
// relative to the tuned frequency.
package spectrum

import (
	"errors"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/norasector/sdrlink/pkg/dsp/filters/fir"
)

const (
	maxBins = 1 << 16
	// dcGuard bins either side of DC are skipped; the RTL2832U leaves a
	// spike there.
	dcGuard = 1
)

var ErrTooFewSamples = errors.New("too few samples for a spectrum")

// Power returns the mean power of samples in dB relative to full scale.
func Power(samples []complex64) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range samples {
		re, im := float64(real(s)), float64(imag(s))
		sum += re*re + im*im
	}
	return 10 * math.Log10(sum/float64(len(samples)))
}

func magnitudes(samples []complex64) ([]float64, error) {
	n := len(samples)
	if n > maxBins {
		n = maxBins
	}
	if n < 2*dcGuard+2 {
		return nil, ErrTooFewSamples
	}

	win, err := fir.Window(fir.Blackman, n)
	if err != nil {
		return nil, err
	}
	data := make([]complex128, n)
	for i := 0; i < n; i++ {
		data[i] = complex128(samples[i]) * complex(float64(win[i]), 0)
	}

	coeffs := fft.FFT(data)
	ret := make([]float64, n)
	for i, c := range coeffs {
		ret[i] = cmplx.Abs(c)
	}
	return ret, nil
}

func binFrequency(bin, n, sampleRate int) float64 {
	if bin >= (n+1)/2 {
		bin -= n
	}
	return float64(bin) * float64(sampleRate) / float64(n)
}

// PeakOffset returns the offset in Hz of the strongest bin of the first
// (up to 65536) samples. Bins next to DC are ignored.
func PeakOffset(samples []complex64, sampleRate int) (float64, error) {
	mags, err := magnitudes(samples)
	if err != nil {
		return 0, err
	}
	n := len(mags)

	best := -1
	for i := dcGuard + 1; i < n-dcGuard; i++ {
		if best < 0 || mags[i] > mags[best] {
			best = i
		}
	}
	return binFrequency(best, n, sampleRate), nil
}
