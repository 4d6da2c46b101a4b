package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/norasector/sdrlink/pkg/sdrlink/config"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.b.Bytes()...)
}

func tagged(id int, data ...float32) *types.TaggedAudioSampleFloat32 {
	return &types.TaggedAudioSampleFloat32{
		TalkGroup: &types.TalkGroup{ID: id},
		Audio:     &types.SegmentFloat32{Data: data},
	}
}

func decodeFloats(t *testing.T, b []byte) []float32 {
	t.Helper()
	if len(b)%4 != 0 {
		t.Fatalf("%d bytes is not whole samples", len(b))
	}
	ret := make([]float32, len(b)/4)
	for i := range ret {
		ret[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return ret
}

func TestPCMOutputFlushesOnCancel(t *testing.T) {
	var buf lockedBuffer
	out := NewPCMOutput(&buf, 48000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- out.Start(ctx) }()

	out.Receive() <- tagged(1, 0.5, -0.25)
	out.Receive() <- tagged(1, 1)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("output did not stop")
	}

	got := decodeFloats(t, buf.Bytes())
	expected := []float32{0.5, -0.25, 1}
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("sample %d: expected %v, got %v", i, expected[i], got[i])
		}
	}
}

func TestPCMOutputStreamFilterAndPreroll(t *testing.T) {
	var buf lockedBuffer
	out := NewPCMOutput(&buf, 1000, WithStreams(2), WithPreroll(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- out.Start(ctx) }()

	out.Receive() <- tagged(1, 9)
	out.Receive() <- tagged(2, 3)
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	got := decodeFloats(t, buf.Bytes())
	// 10 samples of silence at 1kHz, then the one accepted sample
	if len(got) != 11 {
		t.Fatalf("expected 11 samples, got %v", got)
	}
	for i := 0; i < 10; i++ {
		if got[i] != 0 {
			t.Errorf("preroll sample %d is %v", i, got[i])
		}
	}
	if got[10] != 3 {
		t.Errorf("expected 3, got %v", got[10])
	}
}

type echoEncoder struct {
	in  chan *types.TaggedAudioSampleFloat32
	out chan<- *types.TaggedAudioFrameOpus
}

func (e *echoEncoder) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts := <-e.in:
			frame := &types.TaggedAudioFrameOpus{
				Audio:                    &types.SegmentBinaryBytes{Data: make([]byte, len(ts.Audio.Data))},
				TalkGroup:                ts.TalkGroup,
				SampleLengthMicroseconds: 20000,
				Timestamp:                time.Now().UTC(),
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case e.out <- frame:
			}
		}
	}
}

func (e *echoEncoder) ReceiveChannel() chan<- *types.TaggedAudioSampleFloat32 {
	return e.in
}

func TestEncodeDatagramPrefix(t *testing.T) {
	msg, n, err := encodeDatagram(&types.TaggedAudioFrameOpus{
		Audio:     &types.SegmentBinaryBytes{Data: []byte{1, 2, 3, 4}},
		TalkGroup: &types.TalkGroup{ID: 96900, Frequency: 96900000},
		Timestamp: time.Unix(1600000000, 0).UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 || len(msg) != n+2 {
		t.Fatalf("payload %d, datagram %d", n, len(msg))
	}
	if int(binary.LittleEndian.Uint16(msg)) != n {
		t.Errorf("prefix %d, payload %d", binary.LittleEndian.Uint16(msg), n)
	}
}

func TestOpusUDPOutputSendsFrames(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	var mu sync.Mutex
	created := 0
	factory := func(sampleRate int, out chan<- *types.TaggedAudioFrameOpus) (FrameEncoder, error) {
		mu.Lock()
		created++
		mu.Unlock()
		return &echoEncoder{in: make(chan *types.TaggedAudioSampleFloat32, 1), out: out}, nil
	}

	o := NewOpusUDPOutput([]config.OutputDestination{{Host: "127.0.0.1", Port: port}}, 48000, factory,
		WithLogger(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Start(ctx)

	o.Receive() <- tagged(5, 1, 2, 3)
	o.Receive() <- tagged(5, 4, 5)

	buf := make([]byte, 2048)
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatal(err)
		}
		if n < 2 || int(binary.LittleEndian.Uint16(buf)) != n-2 {
			t.Errorf("datagram of %d bytes has prefix %d", n, binary.LittleEndian.Uint16(buf))
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if created != 1 {
		t.Errorf("expected one encoder per stream, got %d", created)
	}
}
