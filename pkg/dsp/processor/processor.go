// Package processor chains DSP stages and optionally publishes a plot of
// every stage's output to a viz.Server.
package processor

import (
	"errors"
	"fmt"
	"time"

	"github.com/norasector/sdrlink/pkg/dsp/viz"
	"github.com/norasector/turbine-common/types"
)

type Processor struct {
	Name        string
	InputName   string
	blocks      []*DSPWorker
	vizServer   *viz.Server
	initialized bool
	inputFFT    *viz.FFTPlotter
}

// NewProcessor creates an empty chain. vizServer may be nil.
func NewProcessor(name, inputName string, vizServer *viz.Server) *Processor {
	return &Processor{
		Name:      name,
		InputName: inputName,
		vizServer: vizServer,
	}
}

func (p *Processor) AddBlock(worker *DSPWorker) {
	p.blocks = append(p.blocks, worker)
}

func (p *Processor) Blocks() []*DSPWorker {
	return p.blocks
}

// OutputRate is the sample rate of the last stage.
func (p *Processor) OutputRate() int {
	if len(p.blocks) == 0 {
		return 0
	}
	return p.blocks[len(p.blocks)-1].OutputRate
}

func (p *Processor) register(producer viz.Producer) {
	if p.vizServer != nil {
		p.vizServer.Register(p.Name, producer)
	}
}

// Initialize checks that adjacent stages agree on data type and rate and
// registers the plots.
func (p *Processor) Initialize() error {
	if p.initialized {
		return nil
	}
	if len(p.blocks) == 0 {
		return errors.New("processor has no blocks")
	}
	if p.blocks[0].inputDataType != DataTypeComplex {
		return fmt.Errorf("first block %s must take complex input", p.blocks[0].Name)
	}

	for i := 1; i < len(p.blocks); i++ {
		cur, next := p.blocks[i-1], p.blocks[i]
		if cur.outputDataType != next.inputDataType {
			return fmt.Errorf("cur: %s next %s data type mismatch (%s %s)", cur.Name, next.Name, cur.outputDataType, next.inputDataType)
		}
		if cur.OutputRate != next.InputRate {
			return fmt.Errorf("cur: %s next %s rate mismatch (%d %d)", cur.Name, next.Name, cur.OutputRate, next.InputRate)
		}
	}

	if p.vizServer != nil {
		vizIndex := 0
		nextIndexString := func(s string) string {
			vizIndex++
			return fmt.Sprintf("%02d. %s", vizIndex, s)
		}

		p.inputFFT = viz.NewFFTPlotterComplex(nextIndexString(p.InputName), 1024, p.blocks[0].InputRate)
		p.register(p.inputFFT)

		for _, block := range p.blocks {
			vizLength := 128
			if block.vizSize > 0 {
				vizLength = block.vizSize
			}
			block.timeDomain = viz.NewTimeDomainPlotter(nextIndexString(block.DisplayName), vizLength)
			if block.plotType != viz.PlotTypeDefault {
				block.timeDomain.SetPlotType(block.plotType)
			}
			for _, opt := range block.plotOptions {
				block.timeDomain.AddPlotOption(opt)
			}
			p.register(block.timeDomain)
		}
	}

	p.initialized = true
	return nil
}

func (p *Processor) processData(input []complex64, metrics map[string]interface{}) ([]float32, error) {
	if len(input) == 0 {
		return nil, errors.New("must specify input")
	}

	if p.inputFFT != nil {
		p.inputFFT.AppendComplex(input)
	}

	var floatInput, floatOutput []float32
	for i, block := range p.blocks {
		start := time.Now()

		switch {
		case i == 0:
			buf := block.outputBuffer(block.cfWorker.PredictOutputSize(len(input)))
			floatOutput = buf[:block.cfWorker.WorkBuffer(input, buf)]
		default:
			buf := block.outputBuffer(block.ffWorker.PredictOutputSize(len(floatInput)))
			floatOutput = buf[:block.ffWorker.WorkBuffer(floatInput, buf)]
		}

		if metrics != nil {
			metrics[fmt.Sprintf("%s_duration", block.Name)] = time.Since(start).Microseconds()
		}
		if block.timeDomain != nil {
			block.timeDomain.AppendFloat(floatOutput)
		}

		floatInput = floatOutput
	}

	// stage buffers are reused by the next call
	ret := make([]float32, len(floatOutput))
	copy(ret, floatOutput)
	return ret, nil
}

// ProcessComplexToFloat runs one segment through the chain.
func (p *Processor) ProcessComplexToFloat(input *types.SegmentComplex64, metrics map[string]interface{}) (*types.SegmentFloat32, error) {
	if !p.initialized {
		if err := p.Initialize(); err != nil {
			return nil, err
		}
	}

	floatOutput, err := p.processData(input.Data, metrics)
	if err != nil {
		return nil, err
	}

	return &types.SegmentFloat32{
		SegmentNumber: input.SegmentNumber,
		Data:          floatOutput,
	}, nil
}
