package fir

import (
	"fmt"
	"math"
)

type WindowType int

const (
	Hamming WindowType = iota
	Hann
	Blackman
	BlackmanHarris
)

func (w WindowType) String() string {
	switch w {
	case Hamming:
		return "hamming"
	case Hann:
		return "hann"
	case Blackman:
		return "blackman"
	case BlackmanHarris:
		return "blackman-harris"
	default:
		return fmt.Sprintf("WindowType(%d)", int(w))
	}
}

// stopbandAttenuation is the approximate minimum stopband attenuation in dB
// of a windowed-sinc filter built with each window.
var stopbandAttenuation = map[WindowType]float64{
	Hamming:        53,
	Hann:           44,
	Blackman:       74,
	BlackmanHarris: 92,
}

// cosineSum evaluates w[i] = sum_k (-1)^k a_k cos(2*pi*k*i/(n-1)).
func cosineSum(n int, coeffs ...float64) []float32 {
	ret := make([]float32, n)
	if n == 1 {
		ret[0] = 1
		return ret
	}
	m := float64(n - 1)
	for i := range ret {
		var v float64
		sign := 1.0
		for k, a := range coeffs {
			v += sign * a * math.Cos(2*math.Pi*float64(k)*float64(i)/m)
			sign = -sign
		}
		ret[i] = float32(v)
	}
	return ret
}

// Window returns n coefficients of the given window.
func Window(w WindowType, n int) ([]float32, error) {
	if n < 1 {
		return nil, fmt.Errorf("window length must be positive, got %d", n)
	}
	switch w {
	case Hamming:
		return cosineSum(n, 0.54, 0.46), nil
	case Hann:
		return cosineSum(n, 0.5, 0.5), nil
	case Blackman:
		return cosineSum(n, 0.42, 0.5, 0.08), nil
	case BlackmanHarris:
		return cosineSum(n, 0.35875, 0.48829, 0.14128, 0.01168), nil
	default:
		return nil, fmt.Errorf("unknown window %s", w)
	}
}

func BlackmanWindow(n int) []float32 {
	ret, _ := Window(Blackman, n)
	return ret
}
