package rtlsdr

import (
	"fmt"

	gsdr "github.com/jpoirier/gortlsdr"
	"github.com/norasector/sdrlink/pkg/sdrlink/device"
)

const (
	asyncBufNum = 15
	asyncBufLen = 16 * 32 * 512
)

// Transport is the librtlsdr control and bulk-transfer surface of one opened
// device.
type Transport interface {
	Close() error

	GetCenterFreq() int
	SetCenterFreq(hz int) error
	GetFreqCorrection() int
	SetFreqCorrection(ppm int) error
	GetTunerType() string
	GetTunerGains() ([]int, error)
	GetTunerGain() int
	SetTunerGain(tenthsDB int) error
	SetTunerBw(hz int) error
	SetTunerIfGain(stage, tenthsDB int) error
	SetTunerGainMode(manual bool) error
	GetSampleRate() int
	SetSampleRate(hz int) error
	SetTestMode(enabled bool) error
	SetAgcMode(enabled bool) error
	GetDirectSampling() (device.DirectSamplingMode, error)
	SetDirectSampling(mode device.DirectSamplingMode) error
	GetOffsetTuning() (bool, error)
	SetOffsetTuning(enabled bool) error

	ResetBuffer() error
	ReadSync(buf []byte, length int) (int, error)
	// ReadAsync blocks, handing each transfer to cb, until CancelAsync is
	// called or the transfer fails.
	ReadAsync(cb func([]byte)) error
	CancelAsync() error
}

// usbTransport adapts a gortlsdr context to Transport.
type usbTransport struct {
	*gsdr.Context
}

var (
	usbDeviceCount = gsdr.GetDeviceCount
	usbOpen        = gsdr.Open
)

// OpenUSB opens the device at index through librtlsdr. An index with no
// attached dongle is ErrDeviceNotFound; a dongle that exists but cannot be
// opened (busy, no permission) is ErrFailedToInitialize.
func OpenUSB(index int) (Transport, error) {
	if index < 0 || index >= usbDeviceCount() {
		return nil, fmt.Errorf("%w: index %d", device.ErrDeviceNotFound, index)
	}
	ctx, err := usbOpen(index)
	if err != nil {
		return nil, fmt.Errorf("%w: open index %d: %v", device.ErrFailedToInitialize, index, err)
	}
	return &usbTransport{Context: ctx}, nil
}

func (u *usbTransport) GetDirectSampling() (device.DirectSamplingMode, error) {
	mode, err := u.Context.GetDirectSampling()
	return device.DirectSamplingMode(mode), err
}

func (u *usbTransport) SetDirectSampling(mode device.DirectSamplingMode) error {
	return u.Context.SetDirectSampling(gsdr.SamplingMode(mode))
}

func (u *usbTransport) ReadAsync(cb func([]byte)) error {
	return u.Context.ReadAsync(cb, nil, asyncBufNum, asyncBufLen)
}

// DeviceCount returns the number of RTL-SDR dongles attached over USB.
func DeviceCount() int {
	return gsdr.GetDeviceCount()
}

// DeviceName returns the librtlsdr name of the dongle at index.
func DeviceName(index int) string {
	return gsdr.GetDeviceName(index)
}

// USBStrings returns the manufacturer, product and serial of the dongle at index.
func USBStrings(index int) (manufacturer, product, serial string, err error) {
	return gsdr.GetDeviceUsbStrings(index)
}
