// Package cnl implements the cannelloni TCP framing used by the bus tap.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
	"github.com/kstaniek/go-stalk-gateway/internal/transport"
)

const frameMax = 4 + 1 + can.MaxLen

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	_ transport.FrameDecoder      = (*Codec)(nil)
	_ transport.MultiFrameDecoder = (*Codec)(nil)
	_ transport.FrameBatchEncoder = (*Codec)(nil)
)

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrUnsupportedID marks a complete frame whose identifier the bus cannot
	// carry (extended, RTR or error frames). The stream stays in sync.
	ErrUnsupportedID = errors.New("cannelloni: unsupported identifier")
)

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * frameMax)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w as [4B BE id][len][payload] and returns the
// bytes written. Tags are not encoded.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var rec [frameMax]byte
	for _, f := range frames {
		ln := int(min(f.Len, can.MaxLen))
		binary.BigEndian.PutUint32(rec[:4], uint32(f.ID))
		rec[4] = uint8(ln)
		copy(rec[5:], f.Data[:ln])
		n, err := w.Write(rec[:5+ln])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
	}
	id := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F) // high bit reserved for CAN FD
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	if id&(can.CAN_EFF_FLAG|can.CAN_RTR_FLAG|can.CAN_ERR_FLAG) != 0 || id > can.CAN_SFF_MASK {
		return can.Frame{}, fmt.Errorf("%w: 0x%08X", ErrUnsupportedID, id)
	}
	f.ID = uint16(id)
	return f, nil
}

// DecodeN decodes up to max frames (until EOF if max <= 0), calling onFrame
// for each. Frames with an unsupported identifier are skipped.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if errors.Is(err, ErrUnsupportedID) {
			continue
		}
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
