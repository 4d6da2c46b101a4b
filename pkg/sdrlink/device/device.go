package device

import (
	"context"
	"fmt"
)

// SampleCallback receives one decoded chunk of an asynchronous read. The
// slice is owned by the receiver once delivered.
type SampleCallback func(samples []complex64)

// Device is the control and streaming surface shared by the USB and the
// rtl_tcp backends. Getters report ok=false when the value is unknown.
type Device interface {
	Name() string
	Tuner() string

	CenterFrequency() (hz int, ok bool)
	SetCenterFrequency(hz int) error

	FrequencyCorrection() (ppm int, ok bool)
	SetFrequencyCorrection(ppm int) error

	TunerGain() (tenthsDB int, ok bool)
	TunerGains() []int
	SetTunerGain(tenthsDB int) error

	TunerBandwidth() (hz int, ok bool)
	SetTunerBandwidth(hz int) error

	IFGain() (stage, tenthsDB int, ok bool)
	SetIFGain(stage, tenthsDB int) error

	ManualGain() bool
	SetManualGain(enabled bool) error

	TestMode() bool
	SetTestMode(enabled bool) error

	DigitalAGC() bool
	SetDigitalAGC(enabled bool) error

	DirectSampling() (mode DirectSamplingMode, ok bool)
	SetDirectSampling(mode DirectSamplingMode) error

	OffsetTuning() (enabled bool, ok bool)
	SetOffsetTuning(enabled bool) error

	SampleRate() (hz int, ok bool)
	SetSampleRate(hz int) error

	// ReadSamplesSync blocks until count samples are read. A stream that ends
	// early yields fewer samples, so callers must check the length.
	ReadSamplesSync(ctx context.Context, count int) ([]complex64, error)
	// ReadSamplesAsync delivers decoded chunks to cb and blocks until
	// StopAsyncRead is called, ctx is done or the stream ends.
	ReadSamplesAsync(ctx context.Context, cb SampleCallback) error
	// StopAsyncRead is a no-op when no read is active.
	StopAsyncRead()

	Settings() Settings
	Close() error
}

type DirectSamplingMode int

const (
	DirectSamplingDisabled DirectSamplingMode = iota
	DirectSamplingIADC
	DirectSamplingQADC
)

func (m DirectSamplingMode) String() string {
	switch m {
	case DirectSamplingDisabled:
		return "disabled"
	case DirectSamplingIADC:
		return "i-adc"
	case DirectSamplingQADC:
		return "q-adc"
	default:
		return fmt.Sprintf("DirectSamplingMode(%d)", int(m))
	}
}

// Settings is the last-known-good configuration of a device.
type Settings struct {
	CenterFrequency     int
	FrequencyCorrection int
	TunerGain           int
	TunerBandwidth      int
	SampleRate          int
	IFGainStage         int
	IFGain              int
	ManualGain          bool
	TestMode            bool
	DigitalAGC          bool
	DirectSampling      DirectSamplingMode
	OffsetTuning        bool
}
