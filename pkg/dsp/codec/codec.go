// Package codec converts raw RTL2832U sample bytes into normalized complex
// baseband samples and derives FM phase differences from them.
package codec

import (
	"math"
	"math/cmplx"

	"github.com/racerxdl/segdsp/dsp"
	"github.com/rs/zerolog/log"
)

const normalizationFactor float32 = 1 / 127.5

// lut maps every possible unsigned sample byte to its normalized value.
var lut [256]float32

func init() {
	for i := range lut {
		lut[i] = float32(i)*normalizationFactor - 1
	}
}

// Normalize maps one raw unsigned sample byte into [-1.0, 1.0].
func Normalize(b byte) float32 {
	return lut[b]
}

// Decode converts interleaved unsigned 8-bit I/Q pairs into complex samples.
// An odd-length buffer has its trailing byte dropped.
func Decode(buf []byte) []complex64 {
	if len(buf)%2 != 0 {
		log.Warn().Int("length", len(buf)).Msg("IQ buffer has uneven length, ignoring last byte")
	}
	out := make([]complex64, len(buf)/2)
	DecodeInto(out, buf)
	return out
}

// DecodeInto decodes buf into dst and returns the number of samples written,
// which is min(len(dst), len(buf)/2).
func DecodeInto(dst []complex64, buf []byte) int {
	n := len(buf) / 2
	if n > len(dst) {
		n = len(dst)
	}
	buf = buf[:2*n]
	for k := 0; k < n; k++ {
		dst[k] = complex(lut[buf[2*k]], lut[buf[2*k+1]])
	}
	return n
}

// Decoder decodes an unframed byte stream chunk by chunk. A chunk that ends
// in the middle of an I/Q pair has its unpaired byte held back and joined
// with the first byte of the next chunk.
type Decoder struct {
	pending    byte
	hasPending bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode returns the samples completed by chunk.
func (d *Decoder) Decode(chunk []byte) []complex64 {
	if len(chunk) == 0 {
		return nil
	}

	total := len(chunk)
	if d.hasPending {
		total++
	}
	out := make([]complex64, total/2)

	pos := 0
	if d.hasPending {
		out[0] = complex(lut[d.pending], lut[chunk[0]])
		chunk = chunk[1:]
		pos = 1
		d.hasPending = false
	}

	pos += DecodeInto(out[pos:], chunk)

	if len(chunk)%2 != 0 {
		d.pending = chunk[len(chunk)-1]
		d.hasPending = true
	}

	return out[:pos]
}

// Flush discards a held-back byte and reports whether there was one.
func (d *Decoder) Flush() bool {
	had := d.hasPending
	if had {
		log.Warn().Msg("IQ stream ended on an unpaired byte, dropping it")
	}
	d.hasPending = false
	return had
}

// DemodulateFM returns the phase of curr*conj(prev) for every adjacent pair
// of samples, i.e. len(samples)-1 instantaneous frequency estimates.
func DemodulateFM(samples []complex64) []float32 {
	if len(samples) < 2 {
		return []float32{}
	}

	n := len(samples) - 1
	products := dsp.MultiplyConjugate(samples[1:], samples, n)

	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(math.Atan2(float64(imag(products[i])), float64(real(products[i]))))
	}
	return out
}

// Magnitudes returns |z| for every sample.
func Magnitudes(samples []complex64) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(cmplx.Abs(complex128(s)))
	}
	return out
}

// Phases returns arg(z) for every sample.
func Phases(samples []complex64) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(cmplx.Phase(complex128(s)))
	}
	return out
}
