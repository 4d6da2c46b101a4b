// Package fir designs windowed-sinc filter taps. The taps are run by
// segdsp's FIR filters.
package fir

import (
	"fmt"
	"math"
)

// TapCount estimates the odd number of taps needed to reach the window's
// stopband attenuation within transitionWidth Hz.
func TapCount(sampleRate, transitionWidth float64, w WindowType) int {
	n := int(stopbandAttenuation[w] * sampleRate / (22 * transitionWidth))
	return n | 1
}

// MakeLowPass returns normalized low-pass taps whose DC gain equals gain.
func MakeLowPass(gain, sampleRate, cutFrequency, transitionWidth float64, w WindowType) ([]float32, error) {
	switch {
	case sampleRate <= 0:
		return nil, fmt.Errorf("sample rate must be positive, got %f", sampleRate)
	case cutFrequency <= 0 || cutFrequency >= sampleRate/2:
		return nil, fmt.Errorf("cutoff %f outside (0, %f)", cutFrequency, sampleRate/2)
	case transitionWidth <= 0:
		return nil, fmt.Errorf("transition width must be positive, got %f", transitionWidth)
	}

	nTaps := TapCount(sampleRate, transitionWidth, w)
	win, err := Window(w, nTaps)
	if err != nil {
		return nil, err
	}

	taps := make([]float64, nTaps)
	m := (nTaps - 1) / 2
	wc := 2 * math.Pi * cutFrequency / sampleRate

	var sum float64
	for i := -m; i <= m; i++ {
		v := wc / math.Pi
		if i != 0 {
			v = math.Sin(float64(i)*wc) / (float64(i) * math.Pi)
		}
		v *= float64(win[i+m])
		taps[i+m] = v
		sum += v
	}

	ret := make([]float32, nTaps)
	for i, v := range taps {
		ret[i] = float32(v * gain / sum)
	}
	return ret, nil
}
