package rtltcp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/norasector/sdrlink/pkg/dsp/codec"
	"github.com/norasector/sdrlink/pkg/sdrlink/device"
	"github.com/rs/zerolog"
)

// fakeServer is a minimal rtl_tcp endpoint on loopback.
type fakeServer struct {
	ln     net.Listener
	frames chan [frameSize]byte
	handle func(s *fakeServer, conn net.Conn)
}

func newFakeServer(t *testing.T, handle func(s *fakeServer, conn net.Conn)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{
		ln:     ln,
		frames: make(chan [frameSize]byte, 64),
		handle: handle,
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				s.handle(s, conn)
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func readFrames(s *fakeServer, conn net.Conn) {
	for {
		var frame [frameSize]byte
		if _, err := io.ReadFull(conn, frame[:]); err != nil {
			return
		}
		s.frames <- frame
	}
}

func greeting(tuner TunerType, gains uint32) []byte {
	b := make([]byte, headerSize)
	copy(b, dongleMagic[:])
	binary.BigEndian.PutUint32(b[4:8], uint32(tuner))
	binary.BigEndian.PutUint32(b[8:12], gains)
	return b
}

func pattern(n int, i, q byte) []byte {
	b := make([]byte, n)
	for k := 0; k+1 < n; k += 2 {
		b[k] = i
		b[k+1] = q
	}
	return b
}

// streamChunks sends the greeting then 2000 byte chunks until the client goes
// away.
func streamChunks(s *fakeServer, conn net.Conn) {
	if _, err := conn.Write(greeting(TunerR820T, 29)); err != nil {
		return
	}
	chunk := pattern(2000, 255, 0)
	for {
		if _, err := conn.Write(chunk); err != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// finish half-closes the stream and waits for the client to hang up so the
// client's unread commands never turn the close into a reset.
func finish(conn net.Conn) {
	conn.(*net.TCPConn).CloseWrite()
	io.Copy(io.Discard, conn)
}

func (s *fakeServer) collect(t *testing.T, n int) [][frameSize]byte {
	t.Helper()
	var ret [][frameSize]byte
	for len(ret) < n {
		select {
		case f := <-s.frames:
			ret = append(ret, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d frames, want %d", len(ret), n)
		}
	}
	return ret
}

func newTestDevice(t *testing.T, addr string, opts ...Option) *RTLTCPDevice {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithReadSize(4096)}, opts...)
	d, err := NewRTLTCPDevice(addr, opts...)
	if err != nil {
		t.Fatalf("NewRTLTCPDevice() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestBacklogReplayedInOrder(t *testing.T) {
	srv := newFakeServer(t, readFrames)
	d := newTestDevice(t, srv.addr())

	if d.State() != Disconnected {
		t.Fatalf("State() = %s, want disconnected", d.State())
	}
	if err := d.SetCenterFrequency(100000000); err != nil {
		t.Fatalf("SetCenterFrequency() error = %v", err)
	}
	if _, ok := d.CenterFrequency(); ok {
		t.Errorf("CenterFrequency() known before any command was sent")
	}

	wantBacklog := []Command{
		CmdSetDigitalAGC, CmdSetTestMode, CmdSetOffsetTuning, CmdSetManualGain,
		CmdSetSampleRate, CmdSetCenterFrequency, CmdSetCenterFrequency,
	}
	if got := d.Backlog(); !reflect.DeepEqual(got, wantBacklog) {
		t.Fatalf("Backlog() = %v, want %v", got, wantBacklog)
	}

	if err := d.StartConnection(context.Background()); err != nil {
		t.Fatalf("StartConnection() error = %v", err)
	}
	if err := d.SetSampleRate(1024000); err != nil {
		t.Fatalf("SetSampleRate() error = %v", err)
	}

	want := [][frameSize]byte{
		EncodeFrame(CmdSetDigitalAGC, 0),
		EncodeFrame(CmdSetTestMode, 0),
		EncodeFrame(CmdSetOffsetTuning, 0),
		EncodeFrame(CmdSetManualGain, 0),
		EncodeFrame(CmdSetSampleRate, 2400000),
		EncodeFrame(CmdSetCenterFrequency, 24000000),
		EncodeFrame(CmdSetCenterFrequency, 100000000),
		EncodeFrame(CmdSetSampleRate, 1024000),
	}
	if got := srv.collect(t, len(want)); !reflect.DeepEqual(got, want) {
		t.Errorf("frames = % x, want % x", got, want)
	}

	if got := d.Backlog(); len(got) != 0 {
		t.Errorf("Backlog() = %v after connect, want empty", got)
	}
	if hz, ok := d.CenterFrequency(); !ok || hz != 100000000 {
		t.Errorf("CenterFrequency() = %d, %v, want 100000000, true", hz, ok)
	}
	if hz, ok := d.SampleRate(); !ok || hz != 1024000 {
		t.Errorf("SampleRate() = %d, %v, want 1024000, true", hz, ok)
	}
}

func TestReadSamplesSyncTrimsFinalChunk(t *testing.T) {
	srv := newFakeServer(t, streamChunks)
	d := newTestDevice(t, srv.addr())

	samples, err := d.ReadSamplesSync(context.Background(), 1000)
	if err != nil {
		t.Fatalf("ReadSamplesSync() error = %v", err)
	}
	if len(samples) != 1000 {
		t.Fatalf("len(samples) = %d, want 1000", len(samples))
	}
	want := complex(codec.Normalize(255), codec.Normalize(0))
	for i, s := range samples {
		if s != want {
			t.Fatalf("samples[%d] = %v, want %v", i, s, want)
		}
	}

	if got := d.Tuner(); got != "R820T" {
		t.Errorf("Tuner() = %q, want R820T", got)
	}
	if got := len(d.TunerGains()); got != 29 {
		t.Errorf("len(TunerGains()) = %d, want 29", got)
	}
	if d.State() != Disconnected {
		t.Errorf("State() = %s after sync read, want disconnected", d.State())
	}
}

func TestReadSamplesSyncEndsEarly(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, conn net.Conn) {
		conn.Write(greeting(TunerE4000, 14))
		conn.Write(pattern(600, 0, 255))
		finish(conn)
	})
	d := newTestDevice(t, srv.addr())

	samples, err := d.ReadSamplesSync(context.Background(), 1000)
	if err != nil {
		t.Fatalf("ReadSamplesSync() error = %v", err)
	}
	if len(samples) != 300 {
		t.Errorf("len(samples) = %d, want 300", len(samples))
	}
}

func TestReadSamplesSyncWithoutGreeting(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, conn net.Conn) {
		conn.Write(pattern(40, 0, 255))
		finish(conn)
	})
	d := newTestDevice(t, srv.addr())

	samples, err := d.ReadSamplesSync(context.Background(), 20)
	if err != nil {
		t.Fatalf("ReadSamplesSync() error = %v", err)
	}
	if len(samples) != 20 {
		t.Fatalf("len(samples) = %d, want 20", len(samples))
	}
	if want := complex(codec.Normalize(0), codec.Normalize(255)); samples[0] != want {
		t.Errorf("samples[0] = %v, want %v", samples[0], want)
	}
	if got := d.Tuner(); got != "UNKNOWN" {
		t.Errorf("Tuner() = %q, want UNKNOWN", got)
	}
}

func TestReadSamplesAsyncRejectsSecondRead(t *testing.T) {
	srv := newFakeServer(t, streamChunks)
	d := newTestDevice(t, srv.addr())

	chunks := make(chan int, 16)
	done := make(chan error, 1)
	go func() {
		done <- d.ReadSamplesAsync(context.Background(), func(samples []complex64) {
			select {
			case chunks <- len(samples):
			default:
			}
		})
	}()

	waitChunk := func() {
		t.Helper()
		select {
		case n := <-chunks:
			if n == 0 {
				t.Errorf("callback got an empty chunk")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no chunk delivered")
		}
	}
	waitChunk()

	err := d.ReadSamplesAsync(context.Background(), func([]complex64) {
		t.Errorf("second read delivered samples")
	})
	if !errors.Is(err, device.ErrReadInProgress) {
		t.Fatalf("second ReadSamplesAsync() error = %v, want ErrReadInProgress", err)
	}

	// the first read keeps streaming
	for len(chunks) > 0 {
		<-chunks
	}
	waitChunk()

	d.StopAsyncRead()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ReadSamplesAsync() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ReadSamplesAsync() did not return after StopAsyncRead")
	}
	if d.State() != Disconnected {
		t.Errorf("State() = %s after stop, want disconnected", d.State())
	}
}

func TestReadSamplesAsyncContextCancel(t *testing.T) {
	srv := newFakeServer(t, streamChunks)
	d := newTestDevice(t, srv.addr())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		done <- d.ReadSamplesAsync(ctx, func([]complex64) {
			once.Do(func() { close(started) })
		})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("no chunk delivered")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ReadSamplesAsync() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ReadSamplesAsync() did not return after cancel")
	}

	// a later read is allowed again
	samples, err := d.ReadSamplesSync(context.Background(), 10)
	if err != nil || len(samples) != 10 {
		t.Errorf("ReadSamplesSync() = %d samples, %v", len(samples), err)
	}
}

func TestStopAsyncReadWithoutRead(t *testing.T) {
	srv := newFakeServer(t, readFrames)
	d := newTestDevice(t, srv.addr())
	d.StopAsyncRead()
	if d.State() != Disconnected {
		t.Errorf("State() = %s, want disconnected", d.State())
	}
}

func TestNewRTLTCPDeviceUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewRTLTCPDevice(addr, WithLogger(zerolog.Nop()))
	if !errors.Is(err, device.ErrFailedToInitialize) {
		t.Errorf("NewRTLTCPDevice() error = %v, want ErrFailedToInitialize", err)
	}
}

func TestNewRTLTCPDeviceTimeout(t *testing.T) {
	hang := func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := NewRTLTCPDevice("192.0.2.1:1234",
		WithLogger(zerolog.Nop()),
		WithDialer(hang),
		WithConnectTimeout(50*time.Millisecond),
	)
	if !errors.Is(err, device.ErrFailedToInitialize) {
		t.Errorf("NewRTLTCPDevice() error = %v, want ErrFailedToInitialize", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("NewRTLTCPDevice() took %s, want it bounded by the connect timeout", elapsed)
	}
}

func TestNewRTLTCPDeviceBadAddress(t *testing.T) {
	_, err := NewRTLTCPDevice("no-port", WithLogger(zerolog.Nop()))
	if !errors.Is(err, device.ErrFailedToInitialize) {
		t.Errorf("NewRTLTCPDevice() error = %v, want ErrFailedToInitialize", err)
	}
}

func TestSetTunerBandwidthAlwaysFails(t *testing.T) {
	dialer := &fakeDialer{}
	d := newTestDevice(t, "sdr.local:1234", WithDialer(dialer.dial))

	for _, connected := range []bool{false, true} {
		if connected {
			if err := d.StartConnection(context.Background()); err != nil {
				t.Fatalf("StartConnection() error = %v", err)
			}
		}
		err := d.SetTunerBandwidth(1000000)
		var opErr *device.OperationFailedError
		if !errors.As(err, &opErr) || opErr.Operation != "setTunerBandwidth" {
			t.Errorf("SetTunerBandwidth() error = %v, want setTunerBandwidth failure", err)
		}
	}
	if _, ok := d.TunerBandwidth(); ok {
		t.Errorf("TunerBandwidth() reported as known")
	}
}

func TestOutOfRangeSettersRejected(t *testing.T) {
	dialer := &fakeDialer{}
	d := newTestDevice(t, "sdr.local:1234", WithDialer(dialer.dial))

	queued := len(d.Backlog())
	setters := []struct {
		op  string
		set func() error
	}{
		{"setCenterFrequency", func() error { return d.SetCenterFrequency(-94000000) }},
		{"setSampleRate", func() error { return d.SetSampleRate(-1) }},
	}
	for _, tt := range setters {
		err := tt.set()
		var opErr *device.OperationFailedError
		if !errors.As(err, &opErr) || opErr.Operation != tt.op {
			t.Errorf("%s error = %v, want %s failure", tt.op, err, tt.op)
		}
	}
	if got := len(d.Backlog()); got != queued {
		t.Errorf("backlog grew from %d to %d", queued, got)
	}

	if err := d.StartConnection(context.Background()); err != nil {
		t.Fatalf("StartConnection() error = %v", err)
	}
	conn := dialer.last()
	before := len(conn.frames())
	if err := d.SetCenterFrequency(-1); !errors.Is(err, device.ErrOperationFailed) {
		t.Errorf("SetCenterFrequency(-1) error = %v, want ErrOperationFailed", err)
	}
	if got := len(conn.frames()); got != before {
		t.Errorf("wrote %d frames for a rejected frequency", got-before)
	}
	if freq, ok := d.CenterFrequency(); !ok || freq != 24000000 {
		t.Errorf("CenterFrequency() = %d, %v, want the initial 24000000", freq, ok)
	}
}

// recordingConn captures writes and optionally fails one of them.
type recordingConn struct {
	mu       sync.Mutex
	writes   [][]byte
	attempts int
	failAt   int
	closed   chan struct{}
	once     sync.Once
}

func newRecordingConn(failAt int) *recordingConn {
	return &recordingConn{failAt: failAt, closed: make(chan struct{})}
}

func (c *recordingConn) Read(b []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *recordingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts == c.failAt {
		return 0, errors.New("broken pipe")
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *recordingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *recordingConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *recordingConn) LocalAddr() net.Addr                { return nil }
func (c *recordingConn) RemoteAddr() net.Addr               { return nil }
func (c *recordingConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordingConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordingConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*recordingConn
	failAt int
	// refuse fails every dial after the reachability probe
	refuse bool
}

func (f *fakeDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse && len(f.conns) > 0 {
		return nil, errors.New("connection refused")
	}
	c := newRecordingConn(f.failAt)
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeDialer) last() *recordingConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func (f *fakeDialer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func TestQueuedWriteFailureDoesNotStopReplay(t *testing.T) {
	dialer := &fakeDialer{failAt: 1}
	d := newTestDevice(t, "sdr.local:1234", WithDialer(dialer.dial))

	if err := d.StartConnection(context.Background()); err != nil {
		t.Fatalf("StartConnection() error = %v", err)
	}

	frames := dialer.last().frames()
	if len(frames) != 5 {
		t.Fatalf("sent %d frames, want 5", len(frames))
	}
	if got, want := frames[4], EncodeFrame(CmdSetCenterFrequency, 24000000); !reflect.DeepEqual(got, want[:]) {
		t.Errorf("last frame = % x, want % x", got, want)
	}
	if len(d.Backlog()) != 0 {
		t.Errorf("Backlog() not empty after replay")
	}
	if hz, ok := d.CenterFrequency(); !ok || hz != 24000000 {
		t.Errorf("CenterFrequency() = %d, %v, want 24000000, true", hz, ok)
	}
}

func TestStartConnectionFailureKeepsBacklog(t *testing.T) {
	dialer := &fakeDialer{refuse: true}
	d := newTestDevice(t, "sdr.local:1234", WithDialer(dialer.dial))

	err := d.StartConnection(context.Background())
	if !errors.Is(err, device.ErrCantEstablishTCPConnection) {
		t.Fatalf("StartConnection() error = %v, want ErrCantEstablishTCPConnection", err)
	}
	if d.State() != Disconnected {
		t.Errorf("State() = %s, want disconnected", d.State())
	}
	if got := len(d.Backlog()); got != 6 {
		t.Errorf("len(Backlog()) = %d, want 6", got)
	}

	_, err = d.ReadSamplesSync(context.Background(), 10)
	if !errors.Is(err, device.ErrCantEstablishTCPConnection) {
		t.Errorf("ReadSamplesSync() error = %v, want ErrCantEstablishTCPConnection", err)
	}
}

func TestConnectedSettersEncodeArguments(t *testing.T) {
	dialer := &fakeDialer{}
	d := newTestDevice(t, "sdr.local:1234", WithDialer(dialer.dial))

	ctx := context.Background()
	if err := d.StartConnection(ctx); err != nil {
		t.Fatalf("StartConnection() error = %v", err)
	}
	// already ready
	if err := d.StartConnection(ctx); err != nil {
		t.Fatalf("StartConnection() error = %v", err)
	}
	if got := dialer.count(); got != 2 {
		t.Fatalf("dialed %d times, want 2 (probe and connect)", got)
	}

	conn := dialer.last()
	before := len(conn.frames())

	d.SetIFGain(3, 120)
	d.SetFrequencyCorrection(-2)
	d.SetDirectSampling(device.DirectSamplingQADC)
	d.SetTunerGain(496)

	want := [][]byte{
		{0x0d, 0x00, 0x03, 0x00, 0x78},
		{0x05, 0xff, 0xff, 0xff, 0xfe},
		{0x09, 0x00, 0x00, 0x00, 0x02},
		{0x0d, 0x00, 0x00, 0x01, 0xf0},
	}
	if got := conn.frames()[before:]; !reflect.DeepEqual(got, want) {
		t.Errorf("frames = % x, want % x", got, want)
	}

	if stage, gain, ok := d.IFGain(); !ok || stage != 3 || gain != 120 {
		t.Errorf("IFGain() = %d, %d, %v", stage, gain, ok)
	}
	if ppm, ok := d.FrequencyCorrection(); !ok || ppm != -2 {
		t.Errorf("FrequencyCorrection() = %d, %v", ppm, ok)
	}
	if mode, ok := d.DirectSampling(); !ok || mode != device.DirectSamplingQADC {
		t.Errorf("DirectSampling() = %s, %v", mode, ok)
	}
	if gain, ok := d.TunerGain(); !ok || gain != 496 {
		t.Errorf("TunerGain() = %d, %v", gain, ok)
	}
	if enabled, ok := d.OffsetTuning(); !ok || enabled {
		t.Errorf("OffsetTuning() = %v, %v", enabled, ok)
	}
}

func TestReconnectAfterClose(t *testing.T) {
	dialer := &fakeDialer{}
	d := newTestDevice(t, "sdr.local:1234", WithDialer(dialer.dial))

	ctx := context.Background()
	if err := d.StartConnection(ctx); err != nil {
		t.Fatalf("StartConnection() error = %v", err)
	}
	d.CloseConnection()
	if d.State() != Disconnected {
		t.Fatalf("State() = %s, want disconnected", d.State())
	}

	d.SetCenterFrequency(433920000)
	if got := d.Backlog(); !reflect.DeepEqual(got, []Command{CmdSetCenterFrequency}) {
		t.Fatalf("Backlog() = %v", got)
	}
	if hz, _ := d.CenterFrequency(); hz != 24000000 {
		t.Errorf("CenterFrequency() = %d before replay, want last sent 24000000", hz)
	}

	if err := d.StartConnection(ctx); err != nil {
		t.Fatalf("StartConnection() error = %v", err)
	}
	frames := dialer.last().frames()
	want := EncodeFrame(CmdSetCenterFrequency, 433920000)
	if len(frames) != 1 || !reflect.DeepEqual(frames[0], want[:]) {
		t.Errorf("frames after reconnect = % x, want % x", frames, want)
	}
	if hz, _ := d.CenterFrequency(); hz != 433920000 {
		t.Errorf("CenterFrequency() = %d, want 433920000", hz)
	}
}
