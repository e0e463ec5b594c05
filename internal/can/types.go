package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

var (
	ErrInvalidID  = errors.New("can: identifier outside 11-bit range")
	ErrInvalidLen = errors.New("can: length outside 1..8")
)

// Frame is a classic 11-bit CAN frame as moved between the link layer and
// the transport channels. Only the first Len bytes of Data are meaningful.
// Tag never goes on the wire; it correlates a sent frame with the transfer
// that queued it so completion can be reported back.
type Frame struct {
	ID   uint16
	Len  uint8
	Data [MaxLen]byte
	Tag  Tag
}

// Validate reports whether the frame can be carried on an 11-bit bus.
func (f Frame) Validate() error {
	if f.ID > CAN_SFF_MASK {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.ID)
	}
	if f.Len == 0 || f.Len > MaxLen {
		return fmt.Errorf("%w: %d", ErrInvalidLen, f.Len)
	}
	return nil
}

// Payload returns the valid portion of Data.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

func (f Frame) String() string {
	return fmt.Sprintf("%03X#% X", f.ID, f.Data[:min(int(f.Len), MaxLen)])
}

// New builds a frame from id and payload; payload beyond 8 bytes is cut.
func New(id uint16, payload ...byte) Frame {
	fr := Frame{ID: id}
	fr.Len = uint8(copy(fr.Data[:], payload))
	return fr
}

// TagKind identifies which transport frame type a tagged frame carried.
type TagKind uint8

const (
	TagNone TagKind = iota
	TagSingle
	TagFirst
	TagConsecutive
	TagFlowControl
)

func (k TagKind) String() string {
	switch k {
	case TagSingle:
		return "single"
	case TagFirst:
		return "first"
	case TagConsecutive:
		return "consecutive"
	case TagFlowControl:
		return "flow_control"
	default:
		return "none"
	}
}

// Tag is the correlation identifier attached to outbound frames. Owners
// resolve Channel through their own lookup table. The zero Tag is untagged.
type Tag struct {
	Channel uint16
	Kind    TagKind
}

// IsZero reports whether t carries no correlation.
func (t Tag) IsZero() bool { return t == Tag{} }
