// Package rtltcp drives an RTL-SDR dongle shared by an rtl_tcp server.
//
// Control commands are fire-and-forget: the protocol has no acknowledgements,
// so a setter only fails synchronously when the backend cannot express it at
// all. Commands issued while disconnected are queued and replayed in order as
// soon as a connection is ready.
package rtltcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/norasector/sdrlink/pkg/sdrlink/device"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultConnectTimeout = time.Second
	defaultReadSize       = 16 * 32 * 512
	defaultSampleRate     = 2.4e6
	defaultCenterFreq     = 24e6
)

// DialFunc opens the byte stream to the rtl_tcp server.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type setting int

const (
	settingCenterFrequency setting = iota
	settingSampleRate
	settingManualGain
	settingFrequencyCorrection
	settingTestMode
	settingDigitalAGC
	settingDirectSampling
	settingOffsetTuning
	settingTunerGain
	settingIFGain
)

// pendingCommand is a command descriptor captured by value: what goes on the
// wire and which cached setting to update once the write succeeds.
type pendingCommand struct {
	Kind     Command
	Argument uint32
	setting  setting
	value    int
	stage    int
}

// link is one established connection.
type link struct {
	conn          net.Conn
	reader        *bufio.Reader
	headerChecked bool
}

type RTLTCPDevice struct {
	addr           string
	name           string
	logger         zerolog.Logger
	connectTimeout time.Duration
	readSize       int
	dial           DialFunc

	mu        sync.Mutex
	state     ConnectionState
	link      *link
	backlog   []pendingCommand
	info      DongleInfo
	settings  device.Settings
	confirmed map[setting]bool
	reading   bool
	stopRead  context.CancelFunc
}

type Option func(d *RTLTCPDevice)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *RTLTCPDevice) {
		d.logger = logger
	}
}

// WithConnectTimeout bounds both the reachability probe and every connect.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(d *RTLTCPDevice) {
		d.connectTimeout = timeout
	}
}

func WithDialer(dial DialFunc) Option {
	return func(d *RTLTCPDevice) {
		d.dial = dial
	}
}

// WithReadSize sets the largest chunk handed to the decoder per receive.
func WithReadSize(size int) Option {
	return func(d *RTLTCPDevice) {
		d.readSize = size
	}
}

// NewRTLTCPDevice probes addr (host:port) and queues the default
// configuration. The probe is bounded by the connect timeout; an unreachable
// server fails with device.ErrFailedToInitialize.
func NewRTLTCPDevice(addr string, opts ...Option) (*RTLTCPDevice, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrFailedToInitialize, err)
	}

	d := &RTLTCPDevice{
		addr:           addr,
		name:           fmt.Sprintf("RTLSDR TCP (%s:%s)", host, port),
		logger:         log.Logger,
		connectTimeout: defaultConnectTimeout,
		readSize:       defaultReadSize,
		dial:           (&net.Dialer{}).DialContext,
		confirmed:      make(map[setting]bool),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.probe(); err != nil {
		d.logger.Error().Err(err).Str("address", addr).
			Msg("failed to establish TCP connection to rtl_tcp, check that the server is running and the address is correct")
		return nil, fmt.Errorf("%w: %v", device.ErrFailedToInitialize, err)
	}

	d.initOperations()
	return d, nil
}

func (d *RTLTCPDevice) probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.connectTimeout)
	defer cancel()

	conn, err := d.dial(ctx, "tcp", d.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (d *RTLTCPDevice) initOperations() {
	ops := []struct {
		name string
		fn   func() error
	}{
		{"disableDigitalAGC", func() error { return d.SetDigitalAGC(false) }},
		{"disableTestMode", func() error { return d.SetTestMode(false) }},
		{"disableOffsetTuning", func() error { return d.SetOffsetTuning(false) }},
		{"disableManualGain", func() error { return d.SetManualGain(false) }},
		{"setSampleRate", func() error { return d.SetSampleRate(defaultSampleRate) }},
		{"setDefaultFreq", func() error { return d.SetCenterFrequency(defaultCenterFreq) }},
	}
	for _, op := range ops {
		if err := op.fn(); err != nil {
			d.logger.Warn().Err(err).Str("device", d.name).Str("operation", op.name).Msg("init operation failed")
		}
	}
}

func (d *RTLTCPDevice) State() ConnectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// StartConnection connects to the server and replays the backlog. It is a
// no-op when already connected.
func (d *RTLTCPDevice) StartConnection(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startConnectionLocked(ctx)
}

func (d *RTLTCPDevice) startConnectionLocked(ctx context.Context) error {
	if d.state == Ready {
		return nil
	}

	d.state = Connecting
	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	conn, err := d.dial(dialCtx, "tcp", d.addr)
	if err != nil {
		d.state = Disconnected
		return fmt.Errorf("%w: %s: %v", device.ErrCantEstablishTCPConnection, d.addr, err)
	}

	d.link = &link{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, d.readSize),
	}
	d.state = Ready
	d.logger.Debug().Str("device", d.name).Int("backlog", len(d.backlog)).Msg("connection ready")

	d.drainBacklogLocked()
	return nil
}

func (d *RTLTCPDevice) drainBacklogLocked() {
	pending := d.backlog
	d.backlog = nil
	for _, cmd := range pending {
		if err := d.sendLocked(cmd); err != nil {
			d.logger.Error().Err(err).Str("device", d.name).Stringer("command", cmd.Kind).Msg("error executing queued command")
		}
	}
}

// CloseConnection drops the connection. The device keeps its address and
// dialer, so a later StartConnection reconnects.
func (d *RTLTCPDevice) CloseConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeConnectionLocked()
}

func (d *RTLTCPDevice) closeConnectionLocked() {
	if d.state == Disconnected || d.link == nil {
		d.state = Disconnected
		return
	}
	d.state = Closing
	if err := d.link.conn.Close(); err != nil {
		d.logger.Debug().Err(err).Str("device", d.name).Msg("error closing connection")
	}
	d.link = nil
	d.state = Disconnected
}

func (d *RTLTCPDevice) submit(cmd pendingCommand) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Ready {
		d.backlog = append(d.backlog, cmd)
		return
	}
	if err := d.sendLocked(cmd); err != nil {
		d.logger.Error().Err(err).Str("device", d.name).Stringer("command", cmd.Kind).Msg("error sending command")
	}
}

// sendLocked writes one frame and records the setting once the write has
// completed. It does nothing while not connected.
func (d *RTLTCPDevice) sendLocked(cmd pendingCommand) error {
	if d.state != Ready || d.link == nil {
		return nil
	}

	frame := EncodeFrame(cmd.Kind, cmd.Argument)
	if d.connectTimeout > 0 {
		_ = d.link.conn.SetWriteDeadline(time.Now().Add(d.connectTimeout))
	}
	if _, err := d.link.conn.Write(frame[:]); err != nil {
		return err
	}

	d.recordLocked(cmd)
	return nil
}

func (d *RTLTCPDevice) recordLocked(cmd pendingCommand) {
	s := &d.settings
	switch cmd.setting {
	case settingCenterFrequency:
		s.CenterFrequency = cmd.value
	case settingSampleRate:
		s.SampleRate = cmd.value
	case settingManualGain:
		s.ManualGain = cmd.value != 0
	case settingFrequencyCorrection:
		s.FrequencyCorrection = cmd.value
	case settingTestMode:
		s.TestMode = cmd.value != 0
	case settingDigitalAGC:
		s.DigitalAGC = cmd.value != 0
	case settingDirectSampling:
		s.DirectSampling = device.DirectSamplingMode(cmd.value)
	case settingOffsetTuning:
		s.OffsetTuning = cmd.value != 0
	case settingTunerGain:
		s.TunerGain = cmd.value
	case settingIFGain:
		s.IFGainStage = cmd.stage
		s.IFGain = cmd.value
	}
	d.confirmed[cmd.setting] = true
}

// Backlog returns the commands waiting for a connection, oldest first.
func (d *RTLTCPDevice) Backlog() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	ret := make([]Command, len(d.backlog))
	for i, cmd := range d.backlog {
		ret[i] = cmd.Kind
	}
	return ret
}

func (d *RTLTCPDevice) Name() string { return d.name }

// Tuner is UNKNOWN until the server greeting has been read.
func (d *RTLTCPDevice) Tuner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.Tuner.String()
}

func (d *RTLTCPDevice) Info() DongleInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

func (d *RTLTCPDevice) setInfo(info DongleInfo) {
	d.mu.Lock()
	d.info = info
	d.mu.Unlock()
	d.logger.Debug().Str("device", d.name).Stringer("info", info).Msg("received dongle info")
}

func (d *RTLTCPDevice) cached(s setting, get func(s *device.Settings) int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return get(&d.settings), d.confirmed[s]
}

func (d *RTLTCPDevice) CenterFrequency() (int, bool) {
	return d.cached(settingCenterFrequency, func(s *device.Settings) int { return s.CenterFrequency })
}

func (d *RTLTCPDevice) SetCenterFrequency(hz int) error {
	arg, err := unsignedArg(hz)
	if err != nil {
		d.logger.Warn().Str("device", d.name).Int("freq", hz).Msg("rejecting center frequency")
		return device.OperationFailed("setCenterFrequency", err)
	}
	d.submit(pendingCommand{Kind: CmdSetCenterFrequency, Argument: arg, setting: settingCenterFrequency, value: hz})
	return nil
}

func (d *RTLTCPDevice) FrequencyCorrection() (int, bool) {
	return d.cached(settingFrequencyCorrection, func(s *device.Settings) int { return s.FrequencyCorrection })
}

func (d *RTLTCPDevice) SetFrequencyCorrection(ppm int) error {
	d.submit(pendingCommand{Kind: CmdSetFrequencyCorrection, Argument: signedArg(ppm), setting: settingFrequencyCorrection, value: ppm})
	return nil
}

func (d *RTLTCPDevice) TunerGain() (int, bool) {
	return d.cached(settingTunerGain, func(s *device.Settings) int { return s.TunerGain })
}

// TunerGains is derived from the tuner type in the server greeting.
func (d *RTLTCPDevice) TunerGains() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.Tuner.Gains()
}

// SetTunerGain sends gain as the 0x0d argument unchanged, negative gains in
// two's complement.
func (d *RTLTCPDevice) SetTunerGain(gain int) error {
	d.submit(pendingCommand{Kind: CmdSetTunerGain, Argument: signedArg(gain), setting: settingTunerGain, value: gain})
	return nil
}

func (d *RTLTCPDevice) TunerBandwidth() (int, bool) {
	return 0, false
}

// SetTunerBandwidth always fails: rtl_tcp has no frame for it.
func (d *RTLTCPDevice) SetTunerBandwidth(hz int) error {
	d.logger.Warn().Str("device", d.name).Int("bandwidth", hz).Msg("setting bandwidth on networked SDRs is unsupported")
	return device.OperationFailed("setTunerBandwidth", nil)
}

func (d *RTLTCPDevice) IFGain() (int, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.IFGainStage, d.settings.IFGain, d.confirmed[settingIFGain]
}

// SetIFGain packs stage<<16 | gain into the shared 0x0d argument.
func (d *RTLTCPDevice) SetIFGain(stage, tenthsDB int) error {
	arg := uint32(uint16(stage))<<16 | uint32(uint16(tenthsDB))
	d.submit(pendingCommand{Kind: CmdSetIFGain, Argument: arg, setting: settingIFGain, value: tenthsDB, stage: stage})
	return nil
}

func (d *RTLTCPDevice) ManualGain() bool { return d.Settings().ManualGain }

func (d *RTLTCPDevice) SetManualGain(enabled bool) error {
	arg := boolArg(enabled)
	d.submit(pendingCommand{Kind: CmdSetManualGain, Argument: arg, setting: settingManualGain, value: int(arg)})
	return nil
}

func (d *RTLTCPDevice) TestMode() bool { return d.Settings().TestMode }

func (d *RTLTCPDevice) SetTestMode(enabled bool) error {
	arg := boolArg(enabled)
	d.submit(pendingCommand{Kind: CmdSetTestMode, Argument: arg, setting: settingTestMode, value: int(arg)})
	return nil
}

func (d *RTLTCPDevice) DigitalAGC() bool { return d.Settings().DigitalAGC }

func (d *RTLTCPDevice) SetDigitalAGC(enabled bool) error {
	arg := boolArg(enabled)
	d.submit(pendingCommand{Kind: CmdSetDigitalAGC, Argument: arg, setting: settingDigitalAGC, value: int(arg)})
	return nil
}

func (d *RTLTCPDevice) DirectSampling() (device.DirectSamplingMode, bool) {
	mode, ok := d.cached(settingDirectSampling, func(s *device.Settings) int { return int(s.DirectSampling) })
	return device.DirectSamplingMode(mode), ok
}

func (d *RTLTCPDevice) SetDirectSampling(mode device.DirectSamplingMode) error {
	d.submit(pendingCommand{Kind: CmdSetDirectSampling, Argument: uint32(mode), setting: settingDirectSampling, value: int(mode)})
	return nil
}

func (d *RTLTCPDevice) OffsetTuning() (bool, bool) {
	v, ok := d.cached(settingOffsetTuning, func(s *device.Settings) int {
		if s.OffsetTuning {
			return 1
		}
		return 0
	})
	return v != 0, ok
}

func (d *RTLTCPDevice) SetOffsetTuning(enabled bool) error {
	arg := boolArg(enabled)
	d.submit(pendingCommand{Kind: CmdSetOffsetTuning, Argument: arg, setting: settingOffsetTuning, value: int(arg)})
	return nil
}

func (d *RTLTCPDevice) SampleRate() (int, bool) {
	return d.cached(settingSampleRate, func(s *device.Settings) int { return s.SampleRate })
}

func (d *RTLTCPDevice) SetSampleRate(hz int) error {
	arg, err := unsignedArg(hz)
	if err != nil {
		d.logger.Warn().Str("device", d.name).Int("rate", hz).Msg("rejecting sample rate")
		return device.OperationFailed("setSampleRate", err)
	}
	d.submit(pendingCommand{Kind: CmdSetSampleRate, Argument: arg, setting: settingSampleRate, value: hz})
	return nil
}

// Settings returns the optimistic cache: values whose command was written
// successfully.
func (d *RTLTCPDevice) Settings() device.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *RTLTCPDevice) Close() error {
	d.StopAsyncRead()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeConnectionLocked()
	d.backlog = nil
	return nil
}
