// Package output delivers demodulated audio: raw PCM to a writer, or Opus
// frames over UDP.
package output

import (
	"context"

	"github.com/norasector/turbine-common/types"
)

// FrameEncoder turns tagged float audio into tagged Opus frames.
type FrameEncoder interface {
	Start(ctx context.Context) error
	ReceiveChannel() chan<- *types.TaggedAudioSampleFloat32
}

// EncoderFactory creates the encoder of one stream. Frames go to out.
type EncoderFactory func(sampleRate int, out chan<- *types.TaggedAudioFrameOpus) (FrameEncoder, error)
