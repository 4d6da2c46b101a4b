package processor

import "github.com/norasector/sdrlink/pkg/dsp/viz"

type DataType int

const (
	DataTypeComplex DataType = iota
	DataTypeFloat
)

func (d DataType) String() string {
	switch d {
	case DataTypeComplex:
		return "complex"
	case DataTypeFloat:
		return "float"
	default:
		return "unknown"
	}
}

// DSPWorker is one named stage of a Processor.
type DSPWorker struct {
	Name        string
	DisplayName string
	InputRate   int
	OutputRate  int

	inputDataType  DataType
	outputDataType DataType

	cfWorker CFWorker
	ffWorker FFWorker

	fOutputBuffer []float32

	timeDomain *viz.TimeDomainPlotter
	vizSize    int
	plotType   viz.PlotType

	plotOptions []viz.PlotOptions
}

type DSPWorkerOption func(r *DSPWorker)

func WithPlotOptions(opts []viz.PlotOptions) DSPWorkerOption {
	return func(r *DSPWorker) {
		r.plotOptions = append(r.plotOptions, opts...)
	}
}

func WithVizLength(length int) DSPWorkerOption {
	return func(r *DSPWorker) {
		r.vizSize = length
	}
}

func WithPlotType(plotType viz.PlotType) DSPWorkerOption {
	return func(r *DSPWorker) {
		r.plotType = plotType
	}
}

func baseWorker(name, displayName string, inputRate, outputRate int, opts []DSPWorkerOption) *DSPWorker {
	ret := &DSPWorker{
		Name:        name,
		DisplayName: displayName,
		InputRate:   inputRate,
		OutputRate:  outputRate,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func NewDSPWorkerCF(name, displayName string, inputRate, outputRate int, worker CFWorker, opts ...DSPWorkerOption) *DSPWorker {
	ret := baseWorker(name, displayName, inputRate, outputRate, opts)
	ret.inputDataType = DataTypeComplex
	ret.outputDataType = DataTypeFloat
	ret.cfWorker = worker
	return ret
}

func NewDSPWorkerFF(name, displayName string, inputRate, outputRate int, worker FFWorker, opts ...DSPWorkerOption) *DSPWorker {
	ret := baseWorker(name, displayName, inputRate, outputRate, opts)
	ret.inputDataType = DataTypeFloat
	ret.outputDataType = DataTypeFloat
	ret.ffWorker = worker
	return ret
}

// outputBuffer returns a float buffer with room for size samples, reusing
// the previous one when it is large enough.
func (w *DSPWorker) outputBuffer(size int) []float32 {
	if cap(w.fOutputBuffer) < size {
		w.fOutputBuffer = make([]float32, size*2)
	}
	return w.fOutputBuffer[:cap(w.fOutputBuffer)]
}

// Complex in, float out
type CFWorker interface {
	WorkBuffer([]complex64, []float32) int
	PredictOutputSize(int) int
}

type FFWorker interface {
	WorkBuffer([]float32, []float32) int
	PredictOutputSize(int) int
}
