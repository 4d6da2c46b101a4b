package rtltcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/norasector/sdrlink/pkg/dsp/codec"
	"github.com/norasector/sdrlink/pkg/sdrlink/device"
)

type readSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	link   *link
	device *RTLTCPDevice
}

// read strips the greeting from the first bytes of a connection when
// present. Anything else is treated as samples.
func (s *readSession) read(buf []byte) (int, error) {
	if !s.link.headerChecked {
		s.link.headerChecked = true
		if b, err := s.link.reader.Peek(headerSize); err == nil {
			if info, ok := parseDongleInfo(b); ok {
				_, _ = s.link.reader.Discard(headerSize)
				s.device.setInfo(info)
			}
		}
	}
	return s.link.reader.Read(buf)
}

func (d *RTLTCPDevice) beginRead(ctx context.Context) (*readSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reading {
		return nil, device.ErrReadInProgress
	}
	if err := d.startConnectionLocked(ctx); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &readSession{
		ctx:    sessCtx,
		cancel: cancel,
		link:   d.link,
		device: d,
	}
	d.reading = true
	d.stopRead = cancel

	conn := d.link.conn
	go func() {
		<-sessCtx.Done()
		// unblock a pending receive
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	}()

	return sess, nil
}

// endRead releases the read guard and closes the session's connection.
func (d *RTLTCPDevice) endRead(sess *readSession) {
	sess.cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.reading = false
	d.stopRead = nil
	if d.link == sess.link {
		d.closeConnectionLocked()
	}
}

// ReadSamplesSync connects if needed and accumulates decoded chunks until
// count samples are available. The excess of the final chunk is discarded
// and the connection is closed afterwards. If the server ends the stream
// first, the samples received so far are returned without error.
func (d *RTLTCPDevice) ReadSamplesSync(ctx context.Context, count int) ([]complex64, error) {
	if count <= 0 {
		return []complex64{}, nil
	}

	sess, err := d.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer d.endRead(sess)

	dec := codec.NewDecoder()
	buf := make([]byte, d.readSize)
	out := make([]complex64, 0, count+d.readSize/2+1)

	for len(out) < count {
		n, err := sess.read(buf)
		if n > 0 {
			out = append(out, dec.Decode(buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.logger.Info().Str("device", d.name).Int("received", len(out)).Int("requested", count).
					Msg("stopping receive loop early, final message received")
				break
			}
			if sess.ctx.Err() != nil {
				return out, sess.ctx.Err()
			}
			d.logger.Error().Err(err).Str("device", d.name).Msg("error receiving samples")
			return out, fmt.Errorf("receive: %w", err)
		}
	}

	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}

// ReadSamplesAsync connects if needed and hands every decoded chunk to cb as
// it arrives. It returns nil once stopped, cancelled or at end of stream.
func (d *RTLTCPDevice) ReadSamplesAsync(ctx context.Context, cb device.SampleCallback) error {
	sess, err := d.beginRead(ctx)
	if err != nil {
		return err
	}
	defer d.endRead(sess)

	dec := codec.NewDecoder()
	buf := make([]byte, d.readSize)

	for {
		n, err := sess.read(buf)
		if n > 0 && sess.ctx.Err() == nil {
			if samples := dec.Decode(buf[:n]); len(samples) > 0 {
				cb(samples)
			}
		}
		if err == nil {
			continue
		}

		switch {
		case sess.ctx.Err() != nil:
			d.logger.Debug().Str("device", d.name).Msg("async read stopped")
			return nil
		case errors.Is(err, io.EOF):
			if dec.Flush() {
				d.logger.Warn().Str("device", d.name).Msg("stream ended with an unpaired byte")
			}
			d.logger.Info().Str("device", d.name).Msg("stopping receive loop, final message received")
			return nil
		default:
			d.logger.Error().Err(err).Str("device", d.name).Msg("error receiving samples")
			return fmt.Errorf("receive: %w", err)
		}
	}
}

// StopAsyncRead ends an active read and closes its connection. It is a
// no-op when nothing is reading.
func (d *RTLTCPDevice) StopAsyncRead() {
	d.mu.Lock()
	stop := d.stopRead
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
}
