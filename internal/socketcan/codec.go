package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
)

// mtu is sizeof(struct can_frame).
const mtu = 16

// Error classes from <linux/can/error.h>.
const (
	errTxTimeout = 0x00000001
	errLostArb   = 0x00000002
	errCtrl      = 0x00000004
	errProt      = 0x00000008
	errTrx       = 0x00000010
	errAck       = 0x00000020
	errBusOff    = 0x00000040
	errBusError  = 0x00000080
	errRestarted = 0x00000100

	ctrlRxOverflow = 0x01
	ctrlTxOverflow = 0x02

	// errFilter subscribes to the classes we map onto link conditions.
	errFilter = errTxTimeout | errCtrl | errProt | errTrx | errAck | errBusOff | errBusError | errRestarted
)

var (
	ErrShortRead   = errors.New("socketcan: short read")
	ErrExtendedID  = errors.New("socketcan: extended or remote frame")
	ErrUnsupported = errors.New("socketcan: unsupported on this platform")
)

// Condition is a controller state reported through an error frame.
type Condition int

const (
	CondNone Condition = iota
	CondBusError
	CondBusOff
	CondOverrun
	CondRestarted
)

func (c Condition) String() string {
	switch c {
	case CondBusError:
		return "bus_error"
	case CondBusOff:
		return "bus_off"
	case CondOverrun:
		return "overrun"
	case CondRestarted:
		return "restarted"
	default:
		return "none"
	}
}

// classify maps an error frame to the most severe condition it carries.
func classify(id uint32, data [8]byte) Condition {
	class := id &^ can.CAN_ERR_FLAG
	switch {
	case class&errBusOff != 0:
		return CondBusOff
	case class&errCtrl != 0 && data[1]&(ctrlRxOverflow|ctrlTxOverflow) != 0:
		return CondOverrun
	case class&errRestarted != 0:
		return CondRestarted
	case class != 0:
		return CondBusError
	}
	return CondNone
}

// decode parses a raw struct can_frame. Error frames return a condition and
// leave fr untouched; extended and remote frames are rejected.
//
//	can_id  u32   [0:4]  host order, includes EFF/RTR/ERR flags
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
func decode(buf []byte, fr *can.Frame) (Condition, error) {
	if len(buf) != mtu {
		return CondNone, fmt.Errorf("%w: %d", ErrShortRead, len(buf))
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc > can.MaxLen {
		dlc = can.MaxLen
	}
	if id&can.CAN_ERR_FLAG != 0 {
		var data [8]byte
		copy(data[:], buf[8:16])
		return classify(id, data), nil
	}
	if id&(can.CAN_EFF_FLAG|can.CAN_RTR_FLAG) != 0 {
		return CondNone, fmt.Errorf("%w: 0x%08X", ErrExtendedID, id)
	}
	fr.ID = uint16(id & can.CAN_SFF_MASK)
	fr.Len = uint8(dlc)
	fr.Data = [8]byte{}
	copy(fr.Data[:], buf[8:8+dlc])
	fr.Tag = can.Tag{}
	return CondNone, nil
}

// encode writes fr as a raw struct can_frame into buf.
func encode(fr can.Frame, buf *[mtu]byte) {
	*buf = [mtu]byte{}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fr.ID)&can.CAN_SFF_MASK)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
}
