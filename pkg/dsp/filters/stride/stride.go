// Package stride holds sample-rate and amplitude stages that need no
// filter state beyond a position counter.
package stride

// Decimator keeps every stride-th sample. The position carries across calls,
// so splitting a stream does not change which samples are kept.
type Decimator struct {
	stride int
	phase  int
}

func MakeDecimator(stride int) *Decimator {
	if stride < 1 {
		stride = 1
	}
	return &Decimator{stride: stride}
}

func (d *Decimator) Stride() int { return d.stride }

func (d *Decimator) WorkBuffer(input, output []float32) int {
	n := 0
	i := d.phase
	for ; i < len(input); i += d.stride {
		output[n] = input[i]
		n++
	}
	d.phase = i - len(input)
	return n
}

// PredictOutputSize is an upper bound: ceil(inputLength/stride).
func (d *Decimator) PredictOutputSize(inputLength int) int {
	return (inputLength + d.stride - 1) / d.stride
}

// Limiter scales by 1/peak and clamps to [-1, 1].
type Limiter struct {
	scale float32
}

func MakeLimiter(peak float32) *Limiter {
	if peak <= 0 {
		peak = 1
	}
	return &Limiter{scale: 1 / peak}
}

func (l *Limiter) WorkBuffer(input, output []float32) int {
	for i, x := range input {
		y := x * l.scale
		switch {
		case y > 1:
			y = 1
		case y < -1:
			y = -1
		}
		output[i] = y
	}
	return len(input)
}

func (l *Limiter) PredictOutputSize(inputLength int) int {
	return inputLength
}
