package isotp

import "errors"

// Sentinel errors returned by channel operations; classify with errors.Is.
var (
	ErrInvalidArgs       = errors.New("isotp: invalid arguments")
	ErrNotConnected      = errors.New("isotp: channel not connected")
	ErrDirectionMismatch = errors.New("isotp: operation not allowed for channel direction")
	ErrNotIdle           = errors.New("isotp: transfer in progress")
	ErrTooLong           = errors.New("isotp: payload exceeds channel capacity")
	ErrDuplicateChannel  = errors.New("isotp: channel already registered")
	ErrUnknownChannel    = errors.New("isotp: unknown channel")
)

// Result is the outcome of one channel tick. The numeric values are the
// ECU status codes, stable for logs and external tools.
type Result int

const (
	ResultPacketWaiting Result = 1
	ResultTxErrorMajor  Result = 3
	ResultIdle          Result = 4
	ResultTxErrorMinor  Result = 6
)

func (r Result) String() string {
	switch r {
	case ResultPacketWaiting:
		return "packet_waiting"
	case ResultTxErrorMajor:
		return "tx_error_major"
	case ResultTxErrorMinor:
		return "tx_error_minor"
	default:
		return "idle"
	}
}

// Failed reports whether r is one of the transmit error outcomes.
func (r Result) Failed() bool { return r == ResultTxErrorMajor || r == ResultTxErrorMinor }
