// Package viz renders processor stages as PNG plots and serves them over
// HTTP while a stage's page is being watched.
package viz

import (
	"bytes"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
)

type PlotOptions func(p *plot.Plot)

// ImageContainer is one rendered plot.
type ImageContainer struct {
	name string
	data []byte
}

func (i *ImageContainer) Name() string { return i.name }
func (i *ImageContainer) Data() []byte { return i.data }

// Producer renders the current state of one stage. GetImage returns nil when
// there is nothing to draw yet.
type Producer interface {
	Name() string
	GetImage() *ImageContainer
	AddPlotOption(opt PlotOptions)
}

func plotWithDefaults(title string, opts []PlotOptions) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.BackgroundColor = color.Black
	p.Title.TextStyle.Color = color.White
	for _, ax := range []*plot.Axis{&p.X, &p.Y} {
		ax.Color = color.White
		ax.Label.TextStyle.Color = color.White
		ax.Tick.Color = color.White
		ax.Tick.Label.Color = color.White
	}
	p.Legend.TextStyle.Color = color.White

	for _, opt := range opts {
		opt(p)
	}
	return p
}

func render(name string, p *plot.Plot) *ImageContainer {
	w, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return nil
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil
	}
	return &ImageContainer{name: name, data: buf.Bytes()}
}
