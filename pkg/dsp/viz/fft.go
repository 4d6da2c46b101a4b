package viz

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/norasector/sdrlink/pkg/dsp/filters/fir"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

// powerAverage is the weight of the newest spectrum in the running average.
const powerAverage = 0.10

// FFTPlotter draws a smoothed power spectrum of the most recent len samples.
type FFTPlotter struct {
	mu           sync.Mutex
	bufFloat     []float32
	bufComplex   []complex64
	sampleRate   int
	len          int
	isComplex    bool
	averagePower []float64
	name         string
	plotOptions  []PlotOptions
}

func (f *FFTPlotter) Name() string {
	return f.name
}

func NewFFTPlotterFloat(name string, len, sampleRate int) *FFTPlotter {
	return &FFTPlotter{
		bufFloat:     make([]float32, len),
		averagePower: make([]float64, len),
		len:          len,
		sampleRate:   sampleRate,
		name:         name,
	}
}

func NewFFTPlotterComplex(name string, len, sampleRate int) *FFTPlotter {
	return &FFTPlotter{
		bufComplex:   make([]complex64, len),
		averagePower: make([]float64, len),
		len:          len,
		sampleRate:   sampleRate,
		isComplex:    true,
		name:         name,
	}
}

// AppendFloat is ignored by a complex plotter.
func (f *FFTPlotter) AppendFloat(s []float32) {
	if f.isComplex {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(s) >= f.len {
		copy(f.bufFloat, s[len(s)-f.len:])
		return
	}
	copy(f.bufFloat, f.bufFloat[len(s):])
	copy(f.bufFloat[f.len-len(s):], s)
}

// AppendComplex is ignored by a real plotter.
func (f *FFTPlotter) AppendComplex(s []complex64) {
	if !f.isComplex {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(s) >= f.len {
		copy(f.bufComplex, s[len(s)-f.len:])
		return
	}
	copy(f.bufComplex, f.bufComplex[len(s):])
	copy(f.bufComplex[f.len-len(s):], s)
}

func (f *FFTPlotter) AddPlotOption(opt PlotOptions) {
	f.mu.Lock()
	f.plotOptions = append(f.plotOptions, opt)
	f.mu.Unlock()
}

// spectrum returns frequency/power-dB points, DC centered for complex input.
func (f *FFTPlotter) spectrum() plotter.XYs {
	win := fir.BlackmanWindow(f.len)

	var coeffs []complex128
	var shift func(int) int
	var freq func(int) float64
	if f.isComplex {
		fft := fourier.NewCmplxFFT(f.len)
		data := make([]complex128, f.len)
		for i, v := range f.bufComplex {
			data[i] = complex128(v) * complex(float64(win[i])/(0.42*float64(f.len)), 0)
		}
		coeffs = fft.Coefficients(nil, data)
		shift = fft.ShiftIdx
		freq = fft.Freq
	} else {
		fft := fourier.NewFFT(f.len)
		data := make([]float64, f.len)
		for i, v := range f.bufFloat {
			data[i] = float64(v) * float64(win[i]) / (0.42 * float64(f.len))
		}
		coeffs = fft.Coefficients(nil, data)
		shift = func(i int) int { return i }
		freq = fft.Freq
	}

	ret := make(plotter.XYs, 0, len(coeffs))
	for i := range coeffs {
		idx := shift(i)
		f.averagePower[i] = (1-powerAverage)*f.averagePower[i] + powerAverage*cmplx.Abs(coeffs[idx])
		if f.averagePower[i] == 0 {
			continue
		}
		ret = append(ret, plotter.XY{
			X: freq(idx) * float64(f.sampleRate),
			Y: 20 * math.Log10(f.averagePower[i]),
		})
	}
	return ret
}

func (f *FFTPlotter) GetImage() *ImageContainer {
	f.mu.Lock()
	xys := f.spectrum()
	opts := append([]PlotOptions{func(p *plot.Plot) {
		p.Y.Label.Text = "Power (dB)"
		p.X.Label.Text = "Frequency"
		p.Y.Min = -100
		p.Y.Max = 0
	}}, f.plotOptions...)
	f.mu.Unlock()

	if len(xys) == 0 {
		return nil
	}

	p := plotWithDefaults(f.name, opts)
	p.Add(plotter.NewGrid())
	if err := plotutil.AddLines(p, "frequency", xys); err != nil {
		return nil
	}
	return render(f.name, p)
}
