package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/norasector/turbine-common/types"
	"golang.org/x/sync/errgroup"
)

const sampleBufferLength int = 8

// PCMOutput writes mono float32 little-endian samples to dest, batching up
// to sampleBufferLength segments per write. Pipe it into aplay or sox.
type PCMOutput struct {
	dest       io.Writer
	recvChan   chan *types.TaggedAudioSampleFloat32
	sampleRate int
	preroll    time.Duration
	streams    map[int]struct{}
}

type PCMOption func(s *PCMOutput)

// WithPreroll writes d of silence before the first samples, so a player
// does not underrun while the pipeline fills.
func WithPreroll(d time.Duration) PCMOption {
	return func(s *PCMOutput) {
		s.preroll = d
	}
}

// WithStreams only passes audio tagged with one of ids.
func WithStreams(ids ...int) PCMOption {
	return func(s *PCMOutput) {
		for _, id := range ids {
			s.streams[id] = struct{}{}
		}
	}
}

func NewPCMOutput(dest io.Writer, sampleRate int, opts ...PCMOption) *PCMOutput {
	ret := &PCMOutput{
		dest:       dest,
		sampleRate: sampleRate,
		recvChan:   make(chan *types.TaggedAudioSampleFloat32, sampleBufferLength),
		streams:    make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (s *PCMOutput) Receive() chan<- *types.TaggedAudioSampleFloat32 {
	return s.recvChan
}

func (s *PCMOutput) accepts(ts *types.TaggedAudioSampleFloat32) bool {
	if len(s.streams) == 0 {
		return true
	}
	if ts.TalkGroup == nil {
		return false
	}
	_, ok := s.streams[ts.TalkGroup.ID]
	return ok
}

func (s *PCMOutput) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	if s.preroll > 0 {
		silence := make([]byte, 4*int(float64(s.sampleRate)*s.preroll.Seconds()))
		if _, err := s.dest.Write(silence); err != nil {
			return err
		}
	}

	eg.Go(func() error {
		var b bytes.Buffer
		bufNum := 0
		sampleLen := 1024

		flush := func() error {
			if bufNum == 0 {
				return nil
			}
			bufNum = 0
			_, err := b.WriteTo(s.dest)
			return err
		}

		for {
			// flush a partial batch once it has waited as long as a full
			// batch would take to play
			wait := time.Duration(float64(sampleLen*sampleBufferLength) / float64(s.sampleRate) * float64(time.Second))

			select {
			case <-ctx.Done():
				if err := flush(); err != nil {
					return err
				}
				return ctx.Err()

			case <-time.After(wait):
				if err := flush(); err != nil {
					return err
				}

			case ts := <-s.recvChan:
				if ts == nil || ts.Audio == nil || !s.accepts(ts) {
					continue
				}
				if len(ts.Audio.Data) > 0 {
					sampleLen = len(ts.Audio.Data)
				}
				if err := binary.Write(&b, binary.LittleEndian, ts.Audio.Data); err != nil {
					return err
				}

				bufNum++
				if bufNum == sampleBufferLength {
					if err := flush(); err != nil {
						return err
					}
				}
			}
		}
	})

	return eg.Wait()
}
