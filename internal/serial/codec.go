package serial

import (
	"bytes"
	"fmt"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
)

// Codec speaks the Lawicel SLCAN ASCII protocol used by USB-CAN dongles.
type Codec struct{}

// Reply types decoded from the adapter stream.
type ReplyKind int

const (
	ReplyFrame  ReplyKind = iota + 1 // tIIIL<data>
	ReplyTxAck                       // z: a queued frame went out
	ReplyOK                          // bare CR after a command
	ReplyError                       // BELL
	ReplyStatus                      // Fxx status flags
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyFrame:
		return "frame"
	case ReplyTxAck:
		return "tx_ack"
	case ReplyOK:
		return "ok"
	case ReplyError:
		return "error"
	case ReplyStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Reply is one decoded adapter message.
type Reply struct {
	Kind   ReplyKind
	Frame  can.Frame
	Status byte
}

// Status flag bits returned by the F command.
const (
	StatusRxFull      = 0x01
	StatusTxFull      = 0x02
	StatusErrWarning  = 0x04
	StatusDataOverrun = 0x08
	StatusErrPassive  = 0x20
	StatusArbLost     = 0x40
	StatusBusError    = 0x80
)

const (
	bell = 0x07
	cr   = '\r'
	// longest legal line: t + 3 id + 1 dlc + 16 data (+ optional 4 timestamp)
	maxLine = 1 + 3 + 1 + 16 + 4
)

// CompactBuffer reclaims consumed prefix capacity when the buffer grew
// large relative to the unread bytes. It returns true if it compacted.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

func nybbleToHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

func hexToNybble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// Encode renders f as an 11-bit SLCAN transmit command:
// 't' + 3 hex id + dlc nibble + hex data + CR.
func (Codec) Encode(f can.Frame) []byte {
	n := int(min(f.Len, can.MaxLen))
	buf := make([]byte, 0, 5+2*n+1)
	id := f.ID & can.CAN_SFF_MASK
	buf = append(buf, 't',
		nybbleToHex(byte(id>>8&0xF)), nybbleToHex(byte(id>>4&0xF)), nybbleToHex(byte(id&0xF)),
		nybbleToHex(byte(n)))
	for _, b := range f.Data[:n] {
		buf = append(buf, nybbleToHex(b>>4), nybbleToHex(b&0xF))
	}
	return append(buf, cr)
}

// DecodeStream consumes complete messages from in and emits them via out.
// A partial trailing line is left in the buffer for the next read. Lines
// that fail to parse are counted as malformed and skipped.
func (c Codec) DecodeStream(in *bytes.Buffer, out func(Reply)) error {
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) == 0 {
			return nil
		}
		if data[0] == bell {
			in.Next(1)
			out(Reply{Kind: ReplyError})
			continue
		}
		i := bytes.IndexAny(data, "\r\a")
		if i < 0 {
			if len(data) > maxLine {
				// Runaway garbage without a terminator.
				metrics.IncMalformed()
				in.Reset()
			}
			return nil
		}
		line := data[:i]
		if data[i] == bell {
			// An error reply cuts the garbage before it short.
			metrics.IncMalformed()
			in.Next(i)
			continue
		}
		rep, err := c.parseLine(line)
		in.Next(i + 1)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		out(rep)
	}
}

func (Codec) parseLine(line []byte) (Reply, error) {
	if len(line) == 0 {
		return Reply{Kind: ReplyOK}, nil
	}
	switch line[0] {
	case 'z', 'Z':
		return Reply{Kind: ReplyTxAck}, nil
	case 'F':
		if len(line) != 3 {
			return Reply{}, fmt.Errorf("status reply %q", line)
		}
		hi, ok1 := hexToNybble(line[1])
		lo, ok2 := hexToNybble(line[2])
		if !ok1 || !ok2 {
			return Reply{}, fmt.Errorf("status reply %q", line)
		}
		return Reply{Kind: ReplyStatus, Status: hi<<4 | lo}, nil
	case 't':
		fr, err := decodeFrame(line)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyFrame, Frame: fr}, nil
	}
	return Reply{}, fmt.Errorf("unknown reply %q", line)
}

// decodeFrame parses tIIIL<data>[tttt]. A trailing timestamp is ignored.
func decodeFrame(line []byte) (can.Frame, error) {
	var fr can.Frame
	if len(line) < 5 {
		return fr, fmt.Errorf("frame line too short: %q", line)
	}
	var id uint16
	for _, c := range line[1:4] {
		v, ok := hexToNybble(c)
		if !ok {
			return fr, fmt.Errorf("bad identifier in %q", line)
		}
		id = id<<4 | uint16(v)
	}
	dlc, ok := hexToNybble(line[4])
	if !ok || dlc > can.MaxLen {
		return fr, fmt.Errorf("bad length in %q", line)
	}
	body := line[5:]
	if len(body) != int(dlc)*2 && len(body) != int(dlc)*2+4 {
		return fr, fmt.Errorf("length mismatch in %q", line)
	}
	for i := 0; i < int(dlc); i++ {
		hi, ok1 := hexToNybble(body[2*i])
		lo, ok2 := hexToNybble(body[2*i+1])
		if !ok1 || !ok2 {
			return fr, fmt.Errorf("bad data in %q", line)
		}
		fr.Data[i] = hi<<4 | lo
	}
	if id > can.CAN_SFF_MASK {
		return fr, fmt.Errorf("identifier 0x%X out of range", id)
	}
	fr.ID = id
	fr.Len = dlc
	return fr, nil
}

// Bitrate commands accepted by SLCAN adapters, in kbit/s.
var bitrates = map[int]string{
	10: "S0", 20: "S1", 50: "S2", 100: "S3", 125: "S4",
	250: "S5", 500: "S6", 800: "S7", 1000: "S8",
}

// SetupCommands returns the command sequence that closes the channel,
// selects the bitrate and opens it again.
func SetupCommands(kbps int) ([][]byte, error) {
	s, ok := bitrates[kbps]
	if !ok {
		return nil, fmt.Errorf("unsupported bitrate %d kbit/s", kbps)
	}
	return [][]byte{[]byte("C\r"), []byte(s + "\r"), []byte("O\r")}, nil
}

// StatusCommand polls the adapter error flags.
var StatusCommand = []byte("F\r")
