package viz

import (
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

type PlotType int

const (
	PlotTypeDefault PlotType = iota
	PlotTypeScatter
	PlotTypeLines
)

// TimeDomainPlotter keeps the most recent size samples of a real stream.
type TimeDomainPlotter struct {
	mu          sync.Mutex
	bufFloat    []float32
	size        int
	name        string
	plotFunc    func(*plot.Plot, ...interface{}) error
	plotOptions []PlotOptions
}

func NewTimeDomainPlotter(name string, size int) *TimeDomainPlotter {
	return &TimeDomainPlotter{
		size:     size,
		name:     name,
		plotFunc: plotutil.AddScatters,
	}
}

func (tp *TimeDomainPlotter) Name() string {
	return tp.name
}

func (tp *TimeDomainPlotter) SetPlotType(t PlotType) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	switch t {
	case PlotTypeLines:
		tp.plotFunc = plotutil.AddLines
	default:
		tp.plotFunc = plotutil.AddScatters
	}
}

func (tp *TimeDomainPlotter) AppendFloat(f []float32) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.bufFloat = append(tp.bufFloat, f...)
	if len(tp.bufFloat) > tp.size {
		tp.bufFloat = append(tp.bufFloat[:0], tp.bufFloat[len(tp.bufFloat)-tp.size:]...)
	}
}

func (tp *TimeDomainPlotter) AddPlotOption(opt PlotOptions) {
	tp.mu.Lock()
	tp.plotOptions = append(tp.plotOptions, opt)
	tp.mu.Unlock()
}

func (tp *TimeDomainPlotter) GetImage() *ImageContainer {
	tp.mu.Lock()
	if len(tp.bufFloat) < tp.size {
		tp.mu.Unlock()
		return nil
	}
	xys := make(plotter.XYs, tp.size)
	for i := range xys {
		xys[i] = plotter.XY{X: float64(i), Y: float64(tp.bufFloat[i])}
	}
	plotFunc := tp.plotFunc
	opts := append([]PlotOptions{func(p *plot.Plot) {
		p.Y.Label.Text = "Amplitude"
		p.X.Label.Text = "t"
		p.Y.Min = -1.5
		p.Y.Max = 1.5
	}}, tp.plotOptions...)
	tp.mu.Unlock()

	p := plotWithDefaults(tp.name, opts)
	p.Add(plotter.NewGrid())
	if err := plotFunc(p, "f(t)", xys); err != nil {
		return nil
	}
	return render(tp.name, p)
}
