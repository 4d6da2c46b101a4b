// Package file replays a raw rtl_sdr capture (interleaved unsigned 8-bit I/Q)
// through the local device transport, so the USB backend can run without a
// dongle attached.
package file

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/norasector/sdrlink/pkg/sdrlink/device"
	"github.com/norasector/sdrlink/pkg/sdrlink/device/rtlsdr"
)

const (
	defaultReadSize   = 16 * 32 * 512
	defaultSampleRate = 2.4e6
	maxSampleRate     = 20e6
)

var _ rtlsdr.Transport = (*FileTransport)(nil)

// FileTransport serves reads from a capture. Setters are recorded and
// reported back by the getters; only the sample rate affects playback, as
// it sets the pace of asynchronous reads.
type FileTransport struct {
	src         io.ReadSeeker
	closer      io.Closer
	readSize    int
	timeBetween time.Duration
	loop        bool

	mu         sync.Mutex
	centerFreq int
	ppm        int
	gain       int
	sampleRate int
	direct     device.DirectSamplingMode
	offset     bool
	cancel     chan struct{}
}

type Option func(f *FileTransport)

// WithReadSize sets the number of bytes handed over per asynchronous chunk.
func WithReadSize(size int) Option {
	return func(f *FileTransport) {
		f.readSize = size
	}
}

// WithInterval fixes the time between asynchronous chunks. By default the
// interval follows the configured sample rate.
func WithInterval(d time.Duration) Option {
	return func(f *FileTransport) {
		f.timeBetween = d
	}
}

// WithLoop rewinds to the start of the capture instead of ending the stream.
func WithLoop(loop bool) Option {
	return func(f *FileTransport) {
		f.loop = loop
	}
}

func NewFileTransport(path string, opts ...Option) (*FileTransport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	t := NewReaderTransport(f, opts...)
	t.closer = f
	return t, nil
}

// NewReaderTransport replays src. The caller keeps ownership of src.
func NewReaderTransport(src io.ReadSeeker, opts ...Option) *FileTransport {
	f := &FileTransport{
		src:        src,
		readSize:   defaultReadSize,
		sampleRate: defaultSampleRate,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FileTransport) Close() error {
	_ = f.CancelAsync()
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

func (f *FileTransport) GetCenterFreq() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.centerFreq
}

func (f *FileTransport) SetCenterFreq(hz int) error {
	f.mu.Lock()
	f.centerFreq = hz
	f.mu.Unlock()
	return nil
}

func (f *FileTransport) GetFreqCorrection() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ppm
}

func (f *FileTransport) SetFreqCorrection(ppm int) error {
	f.mu.Lock()
	f.ppm = ppm
	f.mu.Unlock()
	return nil
}

func (f *FileTransport) GetTunerType() string { return "FILE" }

func (f *FileTransport) GetTunerGains() ([]int, error) {
	return []int{0}, nil
}

func (f *FileTransport) GetTunerGain() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gain
}

func (f *FileTransport) SetTunerGain(tenthsDB int) error {
	f.mu.Lock()
	f.gain = tenthsDB
	f.mu.Unlock()
	return nil
}

func (f *FileTransport) SetTunerBw(hz int) error                  { return nil }
func (f *FileTransport) SetTunerIfGain(stage, tenthsDB int) error { return nil }
func (f *FileTransport) SetTunerGainMode(manual bool) error       { return nil }
func (f *FileTransport) SetTestMode(enabled bool) error           { return nil }
func (f *FileTransport) SetAgcMode(enabled bool) error            { return nil }

func (f *FileTransport) GetSampleRate() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sampleRate
}

func (f *FileTransport) SetSampleRate(hz int) error {
	if hz <= 0 || hz > maxSampleRate {
		return errors.New("invalid sample rate")
	}
	f.mu.Lock()
	f.sampleRate = hz
	f.mu.Unlock()
	return nil
}

func (f *FileTransport) GetDirectSampling() (device.DirectSamplingMode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.direct, nil
}

func (f *FileTransport) SetDirectSampling(mode device.DirectSamplingMode) error {
	f.mu.Lock()
	f.direct = mode
	f.mu.Unlock()
	return nil
}

func (f *FileTransport) GetOffsetTuning() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset, nil
}

func (f *FileTransport) SetOffsetTuning(enabled bool) error {
	f.mu.Lock()
	f.offset = enabled
	f.mu.Unlock()
	return nil
}

// ResetBuffer keeps the playback position: a capture has no stale transfers
// to discard.
func (f *FileTransport) ResetBuffer() error { return nil }

// ReadSync fills buf[:length] from the capture. Without looping, the end of
// the capture yields a short read, and io.EOF once nothing is left.
func (f *FileTransport) ReadSync(buf []byte, length int) (int, error) {
	if length > len(buf) {
		length = len(buf)
	}
	n, err := f.fill(buf[:length])
	if n == 0 && err != nil {
		return 0, err
	}
	return n, nil
}

func (f *FileTransport) fill(buf []byte) (int, error) {
	total := 0
	rewound := false
	for total < len(buf) {
		n, err := io.ReadFull(f.src, buf[total:])
		total += n
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return total, err
		}
		// an empty capture never makes progress
		if !f.loop || (rewound && n == 0) {
			return total, io.EOF
		}
		if _, err := f.src.Seek(0, io.SeekStart); err != nil {
			return total, err
		}
		rewound = true
	}
	return total, nil
}

func (f *FileTransport) interval() time.Duration {
	if f.timeBetween > 0 {
		return f.timeBetween
	}
	rate := f.GetSampleRate()
	return time.Duration(float64(f.readSize/2) / float64(rate) * float64(time.Second))
}

// ReadAsync delivers one chunk per tick until CancelAsync is called or the
// capture ends.
func (f *FileTransport) ReadAsync(cb func([]byte)) error {
	cancel := make(chan struct{})
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return device.ErrReadInProgress
	}
	f.cancel = cancel
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.cancel = nil
		f.mu.Unlock()
	}()

	tick := time.NewTicker(f.interval())
	defer tick.Stop()

	for {
		select {
		case <-cancel:
			return nil
		case <-tick.C:
			buf := make([]byte, f.readSize)
			n, err := f.fill(buf)
			if n > 0 {
				cb(buf[:n])
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (f *FileTransport) CancelAsync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		close(f.cancel)
		f.cancel = nil
	}
	return nil
}
