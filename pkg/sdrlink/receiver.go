// Package sdrlink runs a device's asynchronous sample stream through a
// wideband FM chain and hands the audio to a set of outputs.
package sdrlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/sdrlink/pkg/dsp/processor"
	"github.com/norasector/sdrlink/pkg/dsp/viz"
	"github.com/norasector/sdrlink/pkg/sdrlink/device"
	"github.com/norasector/sdrlink/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options describe what the receiver listens to and where audio goes.
type Options struct {
	CenterFreq   int
	SampleRate   int
	AudioRate    int
	MaxDeviation int
	// SystemID and StreamID tag the audio so outputs can tell streams apart.
	SystemID     int
	StreamID     int
	AudioOutputs []AudioOutput
}

type Receiver struct {
	device      device.Device
	opts        Options
	writeAPI    api.WriteAPI
	segmentChan chan *types.SegmentComplex64
	outputChan  chan *types.TaggedAudioSampleFloat32
	vizServer   *viz.Server
	proc        *processor.Processor
	logger      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

type ReceiverOption func(r *Receiver) error

func WithInfluxDB(influxClient api.WriteAPI) ReceiverOption {
	return func(r *Receiver) error {
		r.writeAPI = influxClient
		return nil
	}
}

func WithImageServer(vizServer *viz.Server) ReceiverOption {
	return func(r *Receiver) error {
		r.vizServer = vizServer
		return nil
	}
}

func WithLogger(logger zerolog.Logger) ReceiverOption {
	return func(r *Receiver) error {
		r.logger = logger
		return nil
	}
}

func NewReceiver(dev device.Device, options Options, opts ...ReceiverOption) (*Receiver, error) {
	r := &Receiver{
		device:      dev,
		opts:        options,
		segmentChan: make(chan *types.SegmentComplex64, 1),
		outputChan:  make(chan *types.TaggedAudioSampleFloat32),
		writeAPI:    &util.MockWriteAPI{},
		logger:      log.Logger,
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	if r.opts.CenterFreq == 0 || r.opts.SampleRate == 0 || r.opts.AudioRate == 0 {
		return nil, fmt.Errorf("must specify center freq, sample rate, and audio rate")
	}

	proc, err := NewFMChain(fmt.Sprintf("fm-%d", r.opts.CenterFreq), FMChainOptions{
		SampleRate:   r.opts.SampleRate,
		AudioRate:    r.opts.AudioRate,
		MaxDeviation: r.opts.MaxDeviation,
	}, r.vizServer)
	if err != nil {
		return nil, err
	}
	r.proc = proc

	return r, nil
}

// Stop ends the stream; Start then returns once the pipeline has drained.
func (r *Receiver) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.device.StopAsyncRead()
}

// Start tunes the device, then streams until ctx is done, Stop is called or
// the device stream ends. A clean end returns nil. Start may only be called
// once.
func (r *Receiver) Start(ctx context.Context) error {
	if err := r.device.SetCenterFrequency(r.opts.CenterFreq); err != nil {
		return err
	}
	if err := r.device.SetSampleRate(r.opts.SampleRate); err != nil {
		return err
	}
	if err := r.device.SetDigitalAGC(false); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(r.segmentChan)
		return r.device.ReadSamplesAsync(ctx, func(samples []complex64) {
			select {
			case <-ctx.Done():
			case r.segmentChan <- &types.SegmentComplex64{Data: samples}:
			}
		})
	})

	if r.vizServer != nil {
		eg.Go(func() error {
			return r.vizServer.Run(ctx)
		})
	}

	eg.Go(func() error {
		// the stream has ended; wind down outputs and viz
		defer cancel()
		return r.processRawSamples(ctx)
	})

	eg.Go(func() error {
		return r.outputSamples(ctx)
	})

	for _, output := range r.opts.AudioOutputs {
		thisOutput := output
		eg.Go(func() error {
			return thisOutput.Start(ctx)
		})
	}

	r.logger.Info().
		Str("device", r.device.Name()).
		Str("center_freq", util.FormatFrequency(r.opts.CenterFreq)).
		Str("sample_rate", util.FormatFrequency(r.opts.SampleRate)).
		Int("audio_rate", r.opts.AudioRate).
		Int("outputs", len(r.opts.AudioOutputs)).
		Msg("starting receiver")

	if err := eg.Wait(); err != nil && !isContextEnd(err) {
		return err
	}
	return nil
}

func isContextEnd(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Receiver) processRawSamples(ctx context.Context) error {
	segNum := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf, ok := <-r.segmentChan:
			if !ok {
				r.logger.Info().Int("segments", segNum).Msg("sample stream ended")
				return nil
			}
			segNum++
			buf.SegmentNumber = segNum

			metrics := map[string]interface{}{
				"sample_length": len(buf.Data),
				"sample_bytes":  len(buf.Data) * 2,
			}

			var samples *types.SegmentFloat32
			var err error
			metrics["duration"] = util.TimeOperationMicroseconds(func() {
				samples, err = r.proc.ProcessComplexToFloat(buf, metrics)
			})
			if err != nil {
				return err
			}
			samples.Frequency = r.opts.CenterFreq

			go r.writeAPI.WritePoint(influxdb2.NewPoint("iq.segment",
				map[string]string{
					"frequency":   util.FormatFrequency(r.opts.CenterFreq),
					"sample_type": "complex64",
				},
				metrics, time.Now()))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.outputChan <- &types.TaggedAudioSampleFloat32{
				TalkGroup: &types.TalkGroup{
					ID:        r.opts.StreamID,
					SystemID:  r.opts.SystemID,
					Frequency: r.opts.CenterFreq,
				},
				Audio: samples,
			}:
			}
		}
	}
}

func (r *Receiver) outputSamples(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf := <-r.outputChan:
			skippedOutputs := 0
			for _, output := range r.opts.AudioOutputs {
				select {
				case output.Receive() <- buf:
					// We will not wait on blocked channels.
				default:
					skippedOutputs++
				}
			}

			go r.writeAPI.WritePoint(influxdb2.NewPoint("audio.output",
				map[string]string{
					"frequency": util.FormatFrequency(buf.Audio.Frequency),
				},
				map[string]interface{}{
					"samples_written": len(buf.Audio.Data),
					"bytes_written":   len(buf.Audio.Data) * 4,
					"skipped_outputs": skippedOutputs,
				}, time.Now()))
		}
	}
}
