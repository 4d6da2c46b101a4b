package sdrlink

import (
	"fmt"
	"math"

	"github.com/norasector/sdrlink/pkg/dsp/demodulators/quad"
	"github.com/norasector/sdrlink/pkg/dsp/filters/fir"
	"github.com/norasector/sdrlink/pkg/dsp/filters/iir"
	"github.com/norasector/sdrlink/pkg/dsp/filters/stride"
	"github.com/norasector/sdrlink/pkg/dsp/processor"
	"github.com/norasector/sdrlink/pkg/dsp/viz"
	"github.com/norasector/sdrlink/pkg/util"
	"github.com/racerxdl/segdsp/dsp"
)

const (
	// broadcast FM audio stops at 15 kHz
	audioBandwidth   = 15000
	audioTransition  = 3000
	deemphasisTau    = 0.000075
	outputPeakLevel  = 1.0
	defaultDeviation = 75000
)

// FMChainOptions describe the rates a wideband FM chain runs at.
type FMChainOptions struct {
	SampleRate   int
	AudioRate    int
	MaxDeviation int
}

// NewFMChain builds the processor turning complex baseband at SampleRate
// into mono audio at AudioRate: phase-difference demodulation, DC removal,
// anti-alias smoothing, integer decimation, de-emphasis, audio low-pass and
// a final clamp.
func NewFMChain(name string, opts FMChainOptions, vizServer *viz.Server) (*processor.Processor, error) {
	dec := util.Decimation(opts.SampleRate, opts.AudioRate)
	if dec == 0 {
		return nil, fmt.Errorf("sample rate %d is not a multiple of audio rate %d", opts.SampleRate, opts.AudioRate)
	}
	deviation := opts.MaxDeviation
	if deviation <= 0 {
		deviation = defaultDeviation
	}

	cutoff := math.Min(audioBandwidth, 0.4*float64(opts.AudioRate))
	audioTaps, err := fir.MakeLowPass(1.0, float64(opts.AudioRate), cutoff, audioTransition, fir.Blackman)
	if err != nil {
		return nil, fmt.Errorf("audio filter: %w", err)
	}

	proc := processor.NewProcessor(name, "Radio Input", vizServer)

	proc.AddBlock(processor.NewDSPWorkerCF(
		"quad_demod",
		"Quadrature Demodulator",
		opts.SampleRate,
		opts.SampleRate,
		quad.MakeQuadDemod(quad.GainForDeviation(float64(opts.SampleRate), float64(deviation))),
		processor.WithVizLength(opts.SampleRate/1000),
	))

	proc.AddBlock(processor.NewDSPWorkerFF(
		"dc_block",
		"DC Block",
		opts.SampleRate,
		opts.SampleRate,
		iir.MakeDCBlock(iir.DefaultDCBlockAlpha),
		processor.WithVizLength(opts.SampleRate/1000),
	))

	proc.AddBlock(processor.NewDSPWorkerFF(
		"anti_alias",
		"Anti-alias Lowpass",
		opts.SampleRate,
		opts.SampleRate,
		iir.MakeLowPass(iir.AlphaForCutoff(cutoff, float64(opts.SampleRate))),
		processor.WithVizLength(opts.SampleRate/1000),
	))

	proc.AddBlock(processor.NewDSPWorkerFF(
		"decimator",
		"Decimator",
		opts.SampleRate,
		opts.AudioRate,
		stride.MakeDecimator(dec),
		processor.WithVizLength(opts.AudioRate/40),
	))

	proc.AddBlock(processor.NewDSPWorkerFF(
		"fm_deemphasis",
		"FM Deemphasis",
		opts.AudioRate,
		opts.AudioRate,
		dsp.MakeFMDeemph(deemphasisTau, float32(opts.AudioRate)),
		processor.WithVizLength(opts.AudioRate/40),
	))

	proc.AddBlock(processor.NewDSPWorkerFF(
		"audio_filter",
		"Audio Lowpass",
		opts.AudioRate,
		opts.AudioRate,
		dsp.MakeFloatFirFilter(audioTaps),
		processor.WithVizLength(opts.AudioRate/40),
		processor.WithPlotType(viz.PlotTypeLines),
	))

	proc.AddBlock(processor.NewDSPWorkerFF(
		"limiter",
		"Limiter",
		opts.AudioRate,
		opts.AudioRate,
		stride.MakeLimiter(outputPeakLevel),
		processor.WithVizLength(opts.AudioRate/40),
		processor.WithPlotType(viz.PlotTypeLines),
	))

	if err := proc.Initialize(); err != nil {
		return nil, err
	}
	return proc, nil
}
