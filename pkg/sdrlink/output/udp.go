package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/sdrlink/pkg/sdrlink/config"
	"github.com/norasector/sdrlink/pkg/util"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
)

const (
	receiveChannels = 8
	numListeners    = 4
)

type streamKey struct {
	systemID int
	id       int
}

// OpusUDPOutput encodes each tagged stream with its own encoder and sends
// every frame as one datagram to all destinations. A datagram is a uint16
// little-endian length followed by the protobuf encoded frame.
type OpusUDPOutput struct {
	dests      []config.OutputDestination
	sampleRate int
	newEncoder EncoderFactory
	recvChan   chan *types.TaggedAudioSampleFloat32
	opusChan   chan *types.TaggedAudioFrameOpus
	mu         sync.Mutex
	encoders   map[streamKey]FrameEncoder
	metrics    api.WriteAPI
	logger     zerolog.Logger
}

type UDPOption func(s *OpusUDPOutput)

func WithMetrics(metrics api.WriteAPI) UDPOption {
	return func(s *OpusUDPOutput) {
		s.metrics = metrics
	}
}

func WithLogger(logger zerolog.Logger) UDPOption {
	return func(s *OpusUDPOutput) {
		s.logger = logger
	}
}

func NewOpusUDPOutput(dests []config.OutputDestination, sampleRate int, newEncoder EncoderFactory, opts ...UDPOption) *OpusUDPOutput {
	ret := &OpusUDPOutput{
		dests:      dests,
		sampleRate: sampleRate,
		newEncoder: newEncoder,
		recvChan:   make(chan *types.TaggedAudioSampleFloat32, receiveChannels),
		opusChan:   make(chan *types.TaggedAudioFrameOpus),
		encoders:   make(map[streamKey]FrameEncoder),
		metrics:    &util.MockWriteAPI{},
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (s *OpusUDPOutput) Receive() chan<- *types.TaggedAudioSampleFloat32 {
	return s.recvChan
}

func (s *OpusUDPOutput) getEncoder(tg *types.TalkGroup) (FrameEncoder, bool, error) {
	key := streamKey{systemID: tg.SystemID, id: tg.ID}

	s.mu.Lock()
	defer s.mu.Unlock()
	enc, ok := s.encoders[key]
	if ok {
		return enc, false, nil
	}
	enc, err := s.newEncoder(s.sampleRate, s.opusChan)
	if err != nil {
		return nil, false, err
	}
	s.encoders[key] = enc
	return enc, true, nil
}

func (s *OpusUDPOutput) resolve() ([]*net.UDPAddr, error) {
	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no IPs returned for %s", dest.Host)
		}
		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		s.logger.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("stream output starting")
	}
	return destAddrs, nil
}

// encodeDatagram returns the length-prefixed frame and the size of the
// protobuf payload.
func encodeDatagram(frame *types.TaggedAudioFrameOpus) ([]byte, int, error) {
	encoded, err := proto.Marshal(frame.ToProtobuf())
	if err != nil {
		return nil, 0, fmt.Errorf("error marshaling protobuf: %w", err)
	}
	if len(encoded) > math.MaxUint16 {
		return nil, 0, fmt.Errorf("frame of %d bytes does not fit a datagram", len(encoded))
	}

	var msgBuf bytes.Buffer
	msgBuf.Grow(2 + len(encoded))
	if err := binary.Write(&msgBuf, binary.LittleEndian, uint16(len(encoded))); err != nil {
		return nil, 0, err
	}
	msgBuf.Write(encoded)
	return msgBuf.Bytes(), len(encoded), nil
}

func (s *OpusUDPOutput) send(conn *net.UDPConn, destAddrs []*net.UDPAddr, frame *types.TaggedAudioFrameOpus) {
	msg, encodedLen, err := encodeDatagram(frame)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping frame")
		return
	}

	sent, dropped := 1, 0
	var bytesWritten int
	for _, destAddr := range destAddrs {
		n, err := conn.WriteToUDP(msg, destAddr)
		if err != nil {
			s.logger.Error().Err(err).Str("dest", destAddr.String()).Msg("error writing")
			sent, dropped = 0, 1
			continue
		}
		bytesWritten += n
	}

	tags := map[string]string{"channel_type": "audio"}
	if frame.TalkGroup != nil {
		tags["system_id"] = strconv.Itoa(frame.TalkGroup.SystemID)
		tags["stream_id"] = strconv.Itoa(frame.TalkGroup.ID)
	}
	go s.metrics.WritePoint(influxdb2.NewPoint("opus.sent_frame",
		tags,
		map[string]interface{}{
			"bytes_written":  bytesWritten,
			"frame_length":   len(frame.Audio.Data),
			"encoded_length": encodedLen,
			"sent":           sent,
			"dropped":        dropped,
		}, time.Now()))
}

func (s *OpusUDPOutput) Start(ctx context.Context) error {
	destAddrs, err := s.resolve()
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	for i := 0; i < numListeners; i++ {
		eg.Go(func() error {
			conn, err := net.ListenUDP("udp", nil)
			if err != nil {
				return err
			}
			defer conn.Close()

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case frame := <-s.opusChan:
					s.send(conn, destAddrs, frame)
				}
			}
		})
	}

	for i := 0; i < numListeners; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()

				case ts := <-s.recvChan:
					if ts == nil || ts.TalkGroup == nil || ts.Audio == nil {
						continue
					}
					enc, created, err := s.getEncoder(ts.TalkGroup)
					if err != nil {
						return err
					}
					if created {
						eg.Go(func() error {
							return enc.Start(ctx)
						})
					}

					select {
					case <-ctx.Done():
						return ctx.Err()
					case enc.ReceiveChannel() <- ts:
					}
				}
			}
		})
	}

	return eg.Wait()
}
