package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/sdrlink/pkg/dsp/spectrum"
	"github.com/norasector/sdrlink/pkg/dsp/viz"
	"github.com/norasector/sdrlink/pkg/sdrlink"
	"github.com/norasector/sdrlink/pkg/sdrlink/config"
	"github.com/norasector/sdrlink/pkg/sdrlink/device"
	"github.com/norasector/sdrlink/pkg/sdrlink/device/file"
	"github.com/norasector/sdrlink/pkg/sdrlink/device/rtlsdr"
	"github.com/norasector/sdrlink/pkg/sdrlink/device/rtltcp"
	"github.com/norasector/sdrlink/pkg/sdrlink/export"
	"github.com/norasector/sdrlink/pkg/sdrlink/output"
	"github.com/norasector/sdrlink/pkg/sdrlink/output/opus"
	"github.com/norasector/sdrlink/pkg/util"
	"github.com/norasector/turbine-common/types"
)

const (
	modeCapture = "capture"
	modeListen  = "listen"
	modeList    = "list"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "sdrlink.yaml", "YAML config file")
	mode := flag.String("mode", modeListen, "capture, listen or list")

	flag.Parse()

	if *mode == modeList {
		listDevices()
		return
	}

	opts, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading config")
	}

	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", opts.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Logger.Level(level)

	dev, err := openDevice(opts)
	if err != nil {
		log.Fatal().Str("device", opts.Device).Err(err).Msg("failed to initialize device")
	}
	defer dev.Close()

	if err := applySettings(dev, opts); err != nil {
		log.Fatal().Str("device", dev.Name()).Err(err).Msg("failed to configure device")
	}

	eg, ctx := errgroup.WithContext(context.Background())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
			log.Info().Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	switch *mode {
	case modeCapture:
		eg.Go(func() error {
			defer cancel()
			return capture(ctx, dev, opts)
		})
	case modeListen:
		eg.Go(func() error {
			defer cancel()
			return listen(ctx, dev, opts)
		})
	default:
		flag.Usage()
		os.Exit(1)
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("exited program")
	}
}

func listDevices() {
	count := rtlsdr.DeviceCount()
	log.Info().Int("count", count).Msg("rtlsdr devices")
	for i := 0; i < count; i++ {
		manufacturer, product, serial, err := rtlsdr.USBStrings(i)
		if err != nil {
			log.Warn().Int("index", i).Err(err).Msg("failed to read usb strings")
		}
		log.Info().
			Int("index", i).
			Str("name", rtlsdr.DeviceName(i)).
			Str("manufacturer", manufacturer).
			Str("product", product).
			Str("serial", serial).
			Msg("found device")
	}
}

func openDevice(opts *config.Config) (device.Device, error) {
	log.Info().Str("device", opts.Device).Msg("initializing device...")

	switch opts.Device {
	case config.DeviceRTLTCP:
		return rtltcp.NewRTLTCPDevice(opts.RTLTCPAddress,
			rtltcp.WithConnectTimeout(opts.ConnectTimeout),
			rtltcp.WithLogger(log.Logger))
	case config.DeviceFile:
		transport, err := file.NewFileTransport(opts.PlaybackLocation, file.WithLoop(opts.PlaybackLoop))
		if err != nil {
			return nil, err
		}
		return rtlsdr.NewDevice(transport,
			rtlsdr.WithName(fmt.Sprintf("File (%s)", opts.PlaybackLocation)),
			rtlsdr.WithLogger(log.Logger))
	default:
		return rtlsdr.NewRTLSDRDevice(opts.RTLSDRDeviceIndex, rtlsdr.WithLogger(log.Logger))
	}
}

func applySettings(dev device.Device, opts *config.Config) error {
	if err := dev.SetSampleRate(opts.SampleRate); err != nil {
		return err
	}
	if err := dev.SetCenterFrequency(opts.CenterFreq); err != nil {
		return err
	}
	if opts.FreqCorrection != 0 {
		if err := dev.SetFrequencyCorrection(opts.FreqCorrection); err != nil {
			return err
		}
	}
	if opts.TunerGain == 0 {
		return dev.SetManualGain(false)
	}
	if err := dev.SetManualGain(true); err != nil {
		return err
	}
	return dev.SetTunerGain(opts.TunerGain)
}

func capture(ctx context.Context, dev device.Device, opts *config.Config) error {
	samples, err := dev.ReadSamplesSync(ctx, opts.Capture.Count)
	if err != nil {
		return err
	}
	if len(samples) < opts.Capture.Count {
		log.Warn().Int("requested", opts.Capture.Count).Int("received", len(samples)).Msg("stream ended early")
	}

	if offset, err := spectrum.PeakOffset(samples, opts.SampleRate); err == nil {
		log.Info().
			Str("center_freq", util.FormatFrequency(opts.CenterFreq)).
			Str("peak", util.FormatFrequency(opts.CenterFreq+int(offset))).
			Float64("power", spectrum.Power(samples)).
			Msg("captured")
	}

	path := opts.Capture.CSVPath
	if path == "" {
		path = "-"
	}
	return export.WriteFile(path, opts.Capture.Format, samples)
}

func listen(ctx context.Context, dev device.Device, opts *config.Config) error {
	var writeAPI api.WriteAPI = &util.MockWriteAPI{}
	if opts.InfluxDB.Host != "" {
		client := influxdb2.NewClient(opts.InfluxDB.Host, "")
		defer client.Close()
		writeAPI = client.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
	}

	outputs, closeOutputs, err := audioOutputs(opts, writeAPI)
	if err != nil {
		return err
	}
	defer closeOutputs()

	receiverOpts := []sdrlink.ReceiverOption{
		sdrlink.WithInfluxDB(writeAPI),
		sdrlink.WithLogger(log.Logger),
	}
	if opts.VizServer.Port != 0 {
		receiverOpts = append(receiverOpts, sdrlink.WithImageServer(
			viz.NewServer(opts.VizServer.Port, opts.VizServer.UpdateInterval, viz.WithServerLogger(log.Logger))))
	}

	receiver, err := sdrlink.NewReceiver(dev, sdrlink.Options{
		CenterFreq:   opts.CenterFreq,
		SampleRate:   opts.SampleRate,
		AudioRate:    opts.AudioRate,
		MaxDeviation: opts.MaxDeviation,
		StreamID:     opts.Outputs.StreamID,
		AudioOutputs: outputs,
	}, receiverOpts...)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		receiver.Stop()
	}()

	return receiver.Start(ctx)
}

func audioOutputs(opts *config.Config, writeAPI api.WriteAPI) ([]sdrlink.AudioOutput, func(), error) {
	var outputs []sdrlink.AudioOutput
	closeOutputs := func() {}

	if opts.Outputs.PCMPath != "" {
		var dest io.Writer = os.Stdout
		if opts.Outputs.PCMPath != "-" {
			f, err := os.Create(opts.Outputs.PCMPath)
			if err != nil {
				return nil, nil, err
			}
			dest = f
			closeOutputs = func() { f.Close() }
		}
		outputs = append(outputs, output.NewPCMOutput(dest, opts.AudioRate))
	}

	if len(opts.Outputs.OpusDestinations) > 0 {
		newEncoder := func(sampleRate int, out chan<- *types.TaggedAudioFrameOpus) (output.FrameEncoder, error) {
			enc, err := opus.NewEncoder(sampleRate, out)
			if err != nil {
				return nil, err
			}
			return enc, nil
		}
		outputs = append(outputs, output.NewOpusUDPOutput(opts.Outputs.OpusDestinations, opts.AudioRate, newEncoder,
			output.WithMetrics(writeAPI),
			output.WithLogger(log.Logger)))
	}

	if len(outputs) == 0 {
		log.Warn().Msg("no audio outputs configured")
	}
	return outputs, closeOutputs, nil
}
