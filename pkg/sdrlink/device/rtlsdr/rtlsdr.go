// Package rtlsdr drives an RTL-SDR dongle attached over USB.
package rtlsdr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/norasector/sdrlink/pkg/dsp/codec"
	"github.com/norasector/sdrlink/pkg/sdrlink/device"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultSampleRate = 2.4e6
	defaultCenterFreq = 24e6
	primingSamples    = 16384

	cancelRetryInterval = 50 * time.Millisecond
)

type RTLSDRDevice struct {
	transport Transport
	name      string
	tuner     string
	logger    zerolog.Logger

	mu       sync.Mutex
	settings device.Settings
	reading  bool
	async    bool
	stop     chan struct{}
	stopped  bool
	closed   bool
}

type Option func(r *RTLSDRDevice)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *RTLSDRDevice) {
		r.logger = logger
	}
}

func WithName(name string) Option {
	return func(r *RTLSDRDevice) {
		r.name = name
	}
}

// NewRTLSDRDevice opens the dongle at deviceIdx over USB.
func NewRTLSDRDevice(deviceIdx int, opts ...Option) (*RTLSDRDevice, error) {
	transport, err := OpenUSB(deviceIdx)
	if err != nil {
		return nil, err
	}

	name := DeviceName(deviceIdx)
	if name == "" {
		name = "Unknown Device"
	}
	return NewDevice(transport, append([]Option{WithName(name)}, opts...)...)
}

// NewDevice wraps an opened transport, applies the default configuration and
// primes the bulk endpoint.
func NewDevice(transport Transport, opts ...Option) (*RTLSDRDevice, error) {
	if transport == nil {
		return nil, device.ErrFailedToInitialize
	}

	r := &RTLSDRDevice{
		transport: transport,
		name:      "Unknown Device",
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.tuner = transport.GetTunerType()

	r.initOperations()

	// Without one synchronous read after opening, the first asynchronous
	// transfer fails with a USB read error.
	if _, err := r.ReadSamplesSync(context.Background(), primingSamples); err != nil {
		r.logger.Warn().Err(err).Str("device", r.name).Msg("priming read failed")
	}

	return r, nil
}

func (r *RTLSDRDevice) initOperations() {
	ops := []struct {
		name string
		fn   func() error
	}{
		{"disableDigitalAGC", func() error { return r.SetDigitalAGC(false) }},
		{"disableTestMode", func() error { return r.SetTestMode(false) }},
		{"disableOffsetTuning", func() error { return r.SetOffsetTuning(false) }},
		{"disableManualGain", func() error { return r.SetManualGain(false) }},
		{"setAutomaticBandwidth", func() error { return r.SetTunerBandwidth(0) }},
		{"setSampleRate", func() error { return r.SetSampleRate(defaultSampleRate) }},
		{"setDefaultFreq", func() error { return r.SetCenterFrequency(defaultCenterFreq) }},
	}
	for _, op := range ops {
		if err := op.fn(); err != nil {
			r.logger.Warn().Err(err).Str("device", r.name).Str("operation", op.name).Msg("init operation failed")
		}
	}
}

func (r *RTLSDRDevice) Name() string  { return r.name }
func (r *RTLSDRDevice) Tuner() string { return r.tuner }

// CenterFrequency reports ok=false for a reading of 0, which librtlsdr also
// uses to signal an error.
func (r *RTLSDRDevice) CenterFrequency() (int, bool) {
	hz := r.transport.GetCenterFreq()
	return hz, hz != 0
}

func (r *RTLSDRDevice) SetCenterFrequency(hz int) error {
	if err := r.transport.SetCenterFreq(hz); err != nil {
		return device.OperationFailed(fmt.Sprintf("setCenterFrequency(%d)", hz), err)
	}
	r.update(func(s *device.Settings) { s.CenterFrequency = hz })
	return nil
}

func (r *RTLSDRDevice) FrequencyCorrection() (int, bool) {
	return r.transport.GetFreqCorrection(), true
}

func (r *RTLSDRDevice) SetFrequencyCorrection(ppm int) error {
	if err := r.transport.SetFreqCorrection(ppm); err != nil {
		return device.OperationFailed(fmt.Sprintf("setFrequencyCorrection(%d)", ppm), err)
	}
	r.update(func(s *device.Settings) { s.FrequencyCorrection = ppm })
	return nil
}

// TunerGain reports ok=false for a reading of 0, which librtlsdr also uses
// to signal an error.
func (r *RTLSDRDevice) TunerGain() (int, bool) {
	gain := r.transport.GetTunerGain()
	return gain, gain != 0
}

func (r *RTLSDRDevice) TunerGains() []int {
	gains, err := r.transport.GetTunerGains()
	if err != nil {
		r.logger.Warn().Err(err).Str("device", r.name).Msg("failed to list tuner gains")
		return nil
	}
	return gains
}

func (r *RTLSDRDevice) SetTunerGain(tenthsDB int) error {
	if err := r.transport.SetTunerGain(tenthsDB); err != nil {
		return device.OperationFailed(fmt.Sprintf("setTunerGain(%d)", tenthsDB), err)
	}
	r.update(func(s *device.Settings) { s.TunerGain = tenthsDB })
	return nil
}

// TunerBandwidth returns the last bandwidth set; 0 means automatic.
func (r *RTLSDRDevice) TunerBandwidth() (int, bool) {
	return r.Settings().TunerBandwidth, true
}

func (r *RTLSDRDevice) SetTunerBandwidth(hz int) error {
	if err := r.transport.SetTunerBw(hz); err != nil {
		return device.OperationFailed(fmt.Sprintf("setTunerBandwidth(%d)", hz), err)
	}
	r.update(func(s *device.Settings) { s.TunerBandwidth = hz })
	return nil
}

func (r *RTLSDRDevice) IFGain() (int, int, bool) {
	s := r.Settings()
	return s.IFGainStage, s.IFGain, true
}

func (r *RTLSDRDevice) SetIFGain(stage, tenthsDB int) error {
	if err := r.transport.SetTunerIfGain(stage, tenthsDB); err != nil {
		return device.OperationFailed(fmt.Sprintf("setIntermediateFrequencyGain(%d, %d)", stage, tenthsDB), err)
	}
	r.update(func(s *device.Settings) {
		s.IFGainStage = stage
		s.IFGain = tenthsDB
	})
	return nil
}

func (r *RTLSDRDevice) ManualGain() bool { return r.Settings().ManualGain }

func (r *RTLSDRDevice) SetManualGain(enabled bool) error {
	if err := r.transport.SetTunerGainMode(enabled); err != nil {
		return device.OperationFailed(fmt.Sprintf("setManualGainEnabled(%t)", enabled), err)
	}
	r.update(func(s *device.Settings) { s.ManualGain = enabled })
	return nil
}

func (r *RTLSDRDevice) TestMode() bool { return r.Settings().TestMode }

func (r *RTLSDRDevice) SetTestMode(enabled bool) error {
	if err := r.transport.SetTestMode(enabled); err != nil {
		return device.OperationFailed(fmt.Sprintf("setTestMode(%t)", enabled), err)
	}
	r.update(func(s *device.Settings) { s.TestMode = enabled })
	return nil
}

func (r *RTLSDRDevice) DigitalAGC() bool { return r.Settings().DigitalAGC }

func (r *RTLSDRDevice) SetDigitalAGC(enabled bool) error {
	if err := r.transport.SetAgcMode(enabled); err != nil {
		return device.OperationFailed(fmt.Sprintf("setAGCMode(%t)", enabled), err)
	}
	r.update(func(s *device.Settings) { s.DigitalAGC = enabled })
	return nil
}

func (r *RTLSDRDevice) DirectSampling() (device.DirectSamplingMode, bool) {
	mode, err := r.transport.GetDirectSampling()
	if err != nil {
		return device.DirectSamplingDisabled, false
	}
	return mode, true
}

func (r *RTLSDRDevice) SetDirectSampling(mode device.DirectSamplingMode) error {
	if err := r.transport.SetDirectSampling(mode); err != nil {
		return device.OperationFailed(fmt.Sprintf("setDirectSamplingMode(%s)", mode), err)
	}
	r.update(func(s *device.Settings) { s.DirectSampling = mode })
	return nil
}

func (r *RTLSDRDevice) OffsetTuning() (bool, bool) {
	enabled, err := r.transport.GetOffsetTuning()
	if err != nil {
		return false, false
	}
	return enabled, true
}

func (r *RTLSDRDevice) SetOffsetTuning(enabled bool) error {
	if err := r.transport.SetOffsetTuning(enabled); err != nil {
		return device.OperationFailed(fmt.Sprintf("setOffsetTuning(%t)", enabled), err)
	}
	r.update(func(s *device.Settings) { s.OffsetTuning = enabled })
	return nil
}

func (r *RTLSDRDevice) SampleRate() (int, bool) {
	rate := r.transport.GetSampleRate()
	return rate, rate != 0
}

func (r *RTLSDRDevice) SetSampleRate(hz int) error {
	if err := r.transport.SetSampleRate(hz); err != nil {
		return device.OperationFailed(fmt.Sprintf("setSampleRate(%d)", hz), err)
	}
	r.update(func(s *device.Settings) { s.SampleRate = hz })
	return nil
}

// Settings returns the display cache; the getters above re-query the dongle.
func (r *RTLSDRDevice) Settings() device.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *RTLSDRDevice) update(fn func(s *device.Settings)) {
	r.mu.Lock()
	fn(&r.settings)
	r.mu.Unlock()
}

func (r *RTLSDRDevice) beginRead(async bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reading {
		return device.ErrReadInProgress
	}
	r.reading = true
	r.async = async
	if async {
		r.stop = make(chan struct{})
		r.stopped = false
	}
	return nil
}

func (r *RTLSDRDevice) endRead() {
	r.mu.Lock()
	r.reading = false
	r.async = false
	r.stop = nil
	r.mu.Unlock()
}

// ReadSamplesSync resets the transfer buffer, then reads exactly count
// samples.
func (r *RTLSDRDevice) ReadSamplesSync(ctx context.Context, count int) ([]complex64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return []complex64{}, nil
	}
	if err := r.beginRead(false); err != nil {
		return nil, err
	}
	defer r.endRead()

	if err := r.transport.ResetBuffer(); err != nil {
		r.logger.Warn().Err(err).Str("device", r.name).Msg("failed to reset buffer")
	}

	buf := make([]byte, 2*count)
	n, err := r.transport.ReadSync(buf, len(buf))
	if err != nil {
		return nil, fmt.Errorf("sync read: %w", err)
	}
	if n != len(buf) {
		r.logger.Warn().Int("requested", len(buf)).Int("read", n).Str("device", r.name).Msg("short sync read")
	}

	return codec.Decode(buf[:n]), nil
}

// ReadSamplesAsync blocks the calling goroutine for the duration of the
// stream; run it from a dedicated goroutine.
func (r *RTLSDRDevice) ReadSamplesAsync(ctx context.Context, cb device.SampleCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.beginRead(true); err != nil {
		return err
	}
	defer r.endRead()

	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		case <-done:
			return
		}
		r.cancelUntilDone(done)
	}()

	// A stop that lands before the transfer starts is re-issued by
	// cancelUntilDone; this only skips starting a transfer at all.
	select {
	case <-ctx.Done():
		return nil
	case <-stop:
		return nil
	default:
	}

	err := r.transport.ReadAsync(func(buf []byte) {
		cb(codec.Decode(buf))
	})
	r.logger.Debug().Err(err).Str("device", r.name).Msg("async read ended")
	if err != nil && ctx.Err() == nil && !r.stopRequested() {
		return fmt.Errorf("async read: %w", err)
	}
	return nil
}

// cancelUntilDone keeps cancelling until the transfer returns. librtlsdr
// ignores a cancel issued before its transfer loop is running.
func (r *RTLSDRDevice) cancelUntilDone(done <-chan struct{}) {
	tick := time.NewTicker(cancelRetryInterval)
	defer tick.Stop()
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if err := r.transport.CancelAsync(); err != nil {
			r.logger.Debug().Err(err).Str("device", r.name).Msg("cancel async read")
		}
		r.mu.Unlock()
		select {
		case <-done:
			return
		case <-tick.C:
		}
	}
}

func (r *RTLSDRDevice) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// StopAsyncRead ends the active async read, if any. It does not wait for
// ReadSamplesAsync to return.
func (r *RTLSDRDevice) StopAsyncRead() {
	r.mu.Lock()
	active := r.reading && r.async
	if active && !r.stopped {
		r.stopped = true
		close(r.stop)
	}
	r.mu.Unlock()
	if !active {
		return
	}

	if err := r.transport.CancelAsync(); err != nil {
		r.logger.Debug().Err(err).Str("device", r.name).Msg("cancel async read")
	}
}

func (r *RTLSDRDevice) Close() error {
	r.StopAsyncRead()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.transport.Close()
}
