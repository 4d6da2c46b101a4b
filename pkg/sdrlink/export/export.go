// Package export writes sample blocks as CSV for offline plotting.
package export

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/norasector/sdrlink/pkg/dsp/codec"
)

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

// WriteSamples writes an "I,Q" header followed by one row per sample.
func WriteSamples(w io.Writer, samples []complex64) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"I", "Q"}); err != nil {
		return err
	}
	for _, s := range samples {
		if err := cw.Write([]string{formatFloat(real(s)), formatFloat(imag(s))}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSeries writes a "t,Mag" header followed by one row per value, t
// being the sample index.
func WriteSeries(w io.Writer, values []float32) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"t", "Mag"}); err != nil {
		return err
	}
	for i, v := range values {
		if err := cw.Write([]string{strconv.Itoa(i), formatFloat(v)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFormat writes samples as I/Q, magnitude or FM phase difference rows.
func WriteFormat(w io.Writer, format string, samples []complex64) error {
	switch format {
	case "magnitude":
		return WriteSeries(w, codec.Magnitudes(samples))
	case "phase":
		return WriteSeries(w, codec.DemodulateFM(samples))
	default:
		return WriteSamples(w, samples)
	}
}

// WriteFile creates path, or writes to stdout for "-".
func WriteFile(path, format string, samples []complex64) error {
	if path == "-" {
		return WriteFormat(os.Stdout, format, samples)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteFormat(f, format, samples); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
