package spectrum

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"
)

func tone(n int, freq, sampleRate float64, dc complex64) []complex64 {
	ret := make([]complex64, n)
	for i := range ret {
		ret[i] = 0.5*complex64(cmplx.Rect(1, 2*math.Pi*freq*float64(i)/sampleRate)) + dc
	}
	return ret
}

func TestPeakOffset(t *testing.T) {
	const rate = 2400000
	tests := []struct {
		name string
		freq float64
		dc   complex64
	}{
		{"positive", 100000, 0},
		{"negative", -250000, 0},
		{"with dc spike", 100000, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PeakOffset(tone(4096, tt.freq, rate, tt.dc), rate)
			if err != nil {
				t.Fatalf("PeakOffset() error = %v", err)
			}
			if binWidth := float64(rate) / 4096; math.Abs(got-tt.freq) > binWidth {
				t.Errorf("PeakOffset() = %f, want %f within %f", got, tt.freq, binWidth)
			}
		})
	}
}

func TestPeakOffsetTooShort(t *testing.T) {
	if _, err := PeakOffset(make([]complex64, 3), 48000); !errors.Is(err, ErrTooFewSamples) {
		t.Errorf("PeakOffset() error = %v, want ErrTooFewSamples", err)
	}
}

func TestPower(t *testing.T) {
	if got := Power([]complex64{1, 1i, -1, -1i}); math.Abs(got) > 1e-9 {
		t.Errorf("Power(full scale) = %f dB, want 0", got)
	}
	if got := Power(tone(1000, 1000, 48000, 0)); math.Abs(got+6.0206) > 1e-3 {
		t.Errorf("Power(half scale) = %f dB, want -6.02", got)
	}
	if got := Power(nil); !math.IsInf(got, -1) {
		t.Errorf("Power(nil) = %f, want -Inf", got)
	}
}
