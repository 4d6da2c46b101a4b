// Package opus frames float audio into Opus packets of one stream.
package opus

import (
	"context"
	"time"

	"github.com/hraban/opus"
	"github.com/norasector/turbine-common/types"
	"golang.org/x/sync/errgroup"
)

const usPerFrame int = 40e3

// Frame durations usable for a short trailing frame, longest last.
var validUsRates []int = []int{2.5e3, 5e3, 10e3, 20e3}

const maxPacketSize = 4096

type floatEncoder interface {
	EncodeFloat32(pcm []float32, data []byte) (int, error)
}

type Encoder struct {
	sampleRate    int
	enc           floatEncoder
	encBuf        [maxPacketSize]byte
	inBuf         []float32
	segmentNumber int
	lastTG        types.TalkGroup

	outputChan  chan<- *types.TaggedAudioFrameOpus
	receiveChan chan *types.TaggedAudioSampleFloat32
}

func NewEncoder(sampleRate int, outputChan chan<- *types.TaggedAudioFrameOpus) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}

	if err := enc.SetPacketLossPerc(20); err != nil {
		return nil, err
	}
	enc.SetBitrateToAuto()
	return newEncoder(sampleRate, enc, outputChan), nil
}

func newEncoder(sampleRate int, enc floatEncoder, outputChan chan<- *types.TaggedAudioFrameOpus) *Encoder {
	return &Encoder{
		sampleRate:  sampleRate,
		enc:         enc,
		receiveChan: make(chan *types.TaggedAudioSampleFloat32, 1),
		outputChan:  outputChan,
	}
}

func (o *Encoder) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Microsecond * time.Duration(usPerFrame) * 3 / 2):
				if err := o.flush(ctx, true); err != nil {
					return err
				}
			case seg := <-o.receiveChan:
				if seg == nil || seg.Audio == nil {
					continue
				}
				o.inBuf = append(o.inBuf, seg.Audio.Data...)
				if seg.TalkGroup != nil {
					o.lastTG = *seg.TalkGroup
				}
				if err := o.flush(ctx, false); err != nil {
					return err
				}
			}
		}
	})

	return eg.Wait()
}

func (o *Encoder) samplesPerFrame() int {
	return o.sampleRate * usPerFrame / 1e6
}

// shortFrame returns the longest valid frame shorter than the buffered
// audio, or 0 when even the shortest does not fit.
func (o *Encoder) shortFrame() int {
	for j := len(validUsRates) - 1; j >= 0; j-- {
		n := validUsRates[j] * o.sampleRate / 1e6
		if n < len(o.inBuf) {
			return n
		}
	}
	return 0
}

// flush encodes every full frame in the buffer. With force, the remainder
// goes out as one shorter frame, or is dropped if too short for any.
func (o *Encoder) flush(ctx context.Context, force bool) error {
	full := o.samplesPerFrame()
	for len(o.inBuf) > full {
		if err := o.emit(ctx, full); err != nil {
			return err
		}
	}

	if !force || len(o.inBuf) == 0 {
		return nil
	}
	n := o.shortFrame()
	if n == 0 {
		o.inBuf = o.inBuf[:0]
		return nil
	}
	return o.emit(ctx, n)
}

func (o *Encoder) emit(ctx context.Context, n int) error {
	bytesEncoded, err := o.enc.EncodeFloat32(o.inBuf[:n], o.encBuf[:])
	if err != nil {
		return err
	}

	remaining := copy(o.inBuf, o.inBuf[n:])
	o.inBuf = o.inBuf[:remaining]

	ret := make([]byte, bytesEncoded)
	copy(ret, o.encBuf[:bytesEncoded])

	tg := o.lastTG
	select {
	case <-ctx.Done():
		return ctx.Err()
	case o.outputChan <- &types.TaggedAudioFrameOpus{
		Audio: &types.SegmentBinaryBytes{
			SegmentNumber: o.segmentNumber,
			Data:          ret,
		},
		TalkGroup:                &tg,
		SampleLengthMicroseconds: n * 1e6 / o.sampleRate,
		Timestamp:                time.Now().UTC()}:
		o.segmentNumber++
	}
	return nil
}

func (o *Encoder) ReceiveChannel() chan<- *types.TaggedAudioSampleFloat32 {
	return o.receiveChan
}
