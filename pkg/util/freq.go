package util

import (
	"fmt"
	"strconv"
)

// FormatFrequency renders hz in the largest unit that keeps the value at
// or above one, e.g. 96.9 MHz.
func FormatFrequency(hz int) string {
	abs := hz
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e9:
		return trimmed(float64(hz)/1e9) + " GHz"
	case abs >= 1e6:
		return trimmed(float64(hz)/1e6) + " MHz"
	case abs >= 1e3:
		return trimmed(float64(hz)/1e3) + " kHz"
	}
	return fmt.Sprintf("%d Hz", hz)
}

func trimmed(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Decimation returns the integer factor from inRate to outRate, or 0 if
// outRate does not divide inRate.
func Decimation(inRate, outRate int) int {
	if inRate <= 0 || outRate <= 0 || inRate%outRate != 0 {
		return 0
	}
	return inRate / outRate
}
