package isotp

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
)

// PCI types carried in the upper nibble of the first data byte.
const (
	PCISingle      byte = 0x00
	PCIFirst       byte = 0x10
	PCIConsecutive byte = 0x20
	PCIFlowControl byte = 0x30
)

// FlowStatus is the lower nibble of a Flow Control PCI byte.
type FlowStatus uint8

const (
	FlowCTS      FlowStatus = 0
	FlowWait     FlowStatus = 1
	FlowOverflow FlowStatus = 2
)

func (fs FlowStatus) String() string {
	switch fs {
	case FlowCTS:
		return "cts"
	case FlowWait:
		return "wait"
	case FlowOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("fs(%d)", uint8(fs))
	}
}

const (
	singleMax     = 7
	firstPayload  = 6
	consecPayload = 7
	// MaxPacket is the largest length a First Frame can announce.
	MaxPacket = 0xFFF
)

var (
	ErrShortFrame = errors.New("isotp: frame too short")
	ErrUnknownPCI = errors.New("isotp: unknown PCI type")
)

// PDU is a decoded transport frame. Fields not used by Type are zero.
type PDU struct {
	Type      byte // one of the PCI* constants
	Length    int  // SF data length or FF announced length
	Seq       uint8
	Status    FlowStatus
	BlockSize uint8
	SepTime   uint8
	Data      []byte // aliases the source frame
}

// Decode classifies fr by its PCI nibble. It only enforces the minimum DLC
// for each frame type; acceptance rules belong to the channel.
func Decode(fr *can.Frame) (PDU, error) {
	if fr.Len == 0 {
		return PDU{}, ErrShortFrame
	}
	b := fr.Data[:fr.Len]
	p := PDU{Type: b[0] & 0xF0}
	switch p.Type {
	case PCISingle:
		p.Length = int(b[0] & 0x0F)
		p.Data = b[1:]
	case PCIFirst:
		if len(b) < 2 {
			return PDU{}, fmt.Errorf("%w: first frame dlc %d", ErrShortFrame, len(b))
		}
		p.Length = int(b[0]&0x0F)<<8 | int(b[1])
		p.Data = b[2:]
	case PCIConsecutive:
		p.Seq = b[0] & 0x0F
		p.Data = b[1:]
	case PCIFlowControl:
		if len(b) < 3 {
			return PDU{}, fmt.Errorf("%w: flow control dlc %d", ErrShortFrame, len(b))
		}
		p.Status = FlowStatus(b[0] & 0x0F)
		p.BlockSize = b[1]
		p.SepTime = b[2]
	default:
		return PDU{}, fmt.Errorf("%w: 0x%02X", ErrUnknownPCI, b[0])
	}
	return p, nil
}

// Every frame we emit is padded with zeros to a full 8 bytes.
func padded(id uint16, tag can.Tag, head ...byte) can.Frame {
	fr := can.Frame{ID: id, Len: can.MaxLen, Tag: tag}
	copy(fr.Data[:], head)
	return fr
}

// EncodeSingle builds a Single Frame for 1..7 bytes of payload.
func EncodeSingle(id uint16, tag can.Tag, payload []byte) can.Frame {
	fr := padded(id, tag, PCISingle|byte(len(payload)&0x0F))
	copy(fr.Data[1:], payload)
	return fr
}

// EncodeFirst builds a First Frame announcing total bytes and carrying the first six.
func EncodeFirst(id uint16, tag can.Tag, total int, payload []byte) can.Frame {
	fr := padded(id, tag, PCIFirst|byte(total>>8&0x0F), byte(total))
	copy(fr.Data[2:], payload[:min(len(payload), firstPayload)])
	return fr
}

// EncodeConsecutive builds a Consecutive Frame with sequence seq (mod 16).
func EncodeConsecutive(id uint16, tag can.Tag, seq uint8, payload []byte) can.Frame {
	fr := padded(id, tag, PCIConsecutive|seq&0x0F)
	copy(fr.Data[1:], payload[:min(len(payload), consecPayload)])
	return fr
}

// EncodeFlowControl builds a Flow Control frame.
func EncodeFlowControl(id uint16, tag can.Tag, fs FlowStatus, bs, st uint8) can.Frame {
	return padded(id, tag, PCIFlowControl|byte(fs)&0x0F, bs, st)
}

// SeparationTime converts an STmin byte to whole ticks (milliseconds).
// Reserved values map to the 127 ms maximum and the 100..900 us range
// rounds up to 1 ms.
func SeparationTime(st uint8) int {
	switch {
	case st < 0x80:
		return int(st)
	case st <= 0xF0:
		return 127
	case st <= 0xF9:
		return 1
	default:
		return 127
	}
}
