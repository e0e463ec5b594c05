package isotp

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
)

// Direction restricts which half of the protocol a channel runs.
type Direction uint8

const (
	DirRX Direction = iota + 1
	DirTX
	DirBoth
)

func (d Direction) String() string {
	switch d {
	case DirRX:
		return "rx"
	case DirTX:
		return "tx"
	case DirBoth:
		return "bi"
	default:
		return "invalid"
	}
}

// ParseDirection accepts rx, tx, bi or both.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "rx":
		return DirRX, nil
	case "tx":
		return DirTX, nil
	case "bi", "both":
		return DirBoth, nil
	}
	return 0, fmt.Errorf("%w: direction %q", ErrInvalidArgs, s)
}

// GState is the transfer state of a channel.
type GState uint8

const (
	GStateAwaitCF GState = 0x12
	GStateAwaitFC GState = 0x13
	GStateInvalid GState = 0x21
	GStateIdle    GState = 0x31
)

func (g GState) String() string {
	switch g {
	case GStateIdle:
		return "idle"
	case GStateAwaitCF:
		return "await_cf"
	case GStateAwaitFC:
		return "await_fc"
	default:
		return "invalid"
	}
}

// TState is the connection state of a channel.
type TState uint8

const (
	TStateConnOK  TState = 0x12
	TStateInvalid TState = 0x21
)

// Status pairs the transfer and connection state.
type Status struct {
	G GState
	T TState
}

// Code packs the status the way diagnostic tools print it: G<<8 | T.
func (s Status) Code() uint16 { return uint16(s.G)<<8 | uint16(s.T) }

// Ready reports whether a new Transmit will be accepted.
func (s Status) Ready() bool { return s.G == GStateIdle && s.T == TStateConnOK }

func (s Status) String() string { return fmt.Sprintf("%s/0x%04X", s.G, s.Code()) }

// Timing holds protocol timers in ticks plus the retry budget.
type Timing struct {
	NBs        int // wait for Flow Control after FF or CF
	TLA        int // wait for the next Consecutive Frame
	TLB        int // delay before a retry
	MaxRetries int
}

// DefaultTiming returns the values used on the vehicle network at a 1 ms tick.
func DefaultTiming() Timing {
	return Timing{NBs: 250, TLA: 250, TLB: 70, MaxRetries: 6}
}

// Sender queues a frame on the link without blocking.
type Sender interface {
	Send(can.Frame) error
}

type phase uint8

const (
	phaseAwaitingTimeout phase = iota
	phaseRetryDelay
)

const unlimitedBlock = 0xFFFF

// Channel is one logical ISO 15765-2 connection. It is not safe for
// concurrent use; the gateway loop owns every channel.
type Channel struct {
	id     uint16
	name   string
	txID   uint16
	rxID   uint16
	dir    Direction
	buf    []byte
	sender Sender
	timing Timing
	base   *slog.Logger
	logger *slog.Logger

	tstate    TState
	gstate    GState
	bufferPos int
	pktLength int
	nextSeq   uint8
	completed bool

	pktTimer   int
	timerArmed bool
	sepTimer   int
	stMin      int
	credit     int
	fcBlock    int
	fcSep      int
	retries    int

	invalidPkt    bool
	minorError    bool
	receivedCTS   bool
	awaitingTxAck bool
	phase         phase
}

// Option customizes a Channel.
type Option func(*Channel)

func WithTiming(t Timing) Option { return func(c *Channel) { c.timing = t } }

func WithName(n string) Option {
	return func(c *Channel) {
		if n != "" {
			c.name = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.base = l
		}
	}
}

// NewChannel returns an unconnected channel that emits frames through s.
func NewChannel(s Sender, opts ...Option) *Channel {
	c := &Channel{
		sender: s,
		timing: DefaultTiming(),
		base:   logging.L(),
		tstate: TStateInvalid,
		gstate: GStateInvalid,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.base
	return c
}

// Connect binds the channel to its identifiers and buffer and makes it
// ready for traffic. Any transfer in progress is dropped.
func (c *Channel) Connect(id, txID, rxID uint16, buf []byte, dir Direction) error {
	if txID == 0 || rxID == 0 || txID > can.CAN_SFF_MASK || rxID > can.CAN_SFF_MASK {
		return fmt.Errorf("%w: tx=0x%X rx=0x%X", ErrInvalidArgs, txID, rxID)
	}
	switch dir {
	case DirRX, DirTX, DirBoth:
	default:
		return fmt.Errorf("%w: direction %d", ErrInvalidArgs, dir)
	}
	if len(buf) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrInvalidArgs)
	}
	c.id, c.txID, c.rxID, c.buf, c.dir = id, txID, rxID, buf, dir
	if c.name == "" {
		c.name = fmt.Sprintf("ch%d", id)
	}
	c.logger = c.base.With("channel", c.name)
	c.tstate = TStateConnOK
	c.gstate = GStateIdle
	c.bufferPos, c.pktLength, c.nextSeq = 0, 0, 0
	c.completed = false
	c.disarm()
	c.credit, c.retries = 0, 0
	c.clearFlags()
	c.logger.Debug("isotp_connect", "tx_id", fmt.Sprintf("0x%03X", txID), "rx_id", fmt.Sprintf("0x%03X", rxID),
		"dir", dir.String(), "buffer", len(buf))
	return nil
}

func (c *Channel) ID() uint16           { return c.id }
func (c *Channel) Name() string         { return c.name }
func (c *Channel) TxID() uint16         { return c.txID }
func (c *Channel) RxID() uint16         { return c.rxID }
func (c *Channel) Direction() Direction { return c.dir }
func (c *Channel) Capacity() int        { return len(c.buf) }

// Status returns the current transfer and connection state.
func (c *Channel) Status() Status { return Status{G: c.gstate, T: c.tstate} }

// HasCompletedPacket reports whether a received packet awaits Retrieve.
func (c *Channel) HasCompletedPacket() bool { return c.completed }

// Transmit starts sending payload. Up to 7 bytes go out as a Single Frame;
// longer payloads are copied into the channel buffer and segmented.
func (c *Channel) Transmit(payload []byte) error {
	if c.tstate != TStateConnOK {
		return ErrNotConnected
	}
	if c.dir == DirRX {
		return ErrDirectionMismatch
	}
	n := len(payload)
	if n == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidArgs)
	}
	if c.gstate != GStateIdle {
		return fmt.Errorf("%w: %s", ErrNotIdle, c.gstate)
	}
	if n > len(c.buf) || n > MaxPacket {
		return fmt.Errorf("%w: %d > %d", ErrTooLong, n, min(len(c.buf), MaxPacket))
	}
	if n <= singleMax {
		if err := c.sender.Send(EncodeSingle(c.txID, c.tag(can.TagSingle), payload)); err != nil {
			return fmt.Errorf("isotp %s single frame: %w", c.name, err)
		}
		c.retries, c.credit = 0, 0
		c.clearFlags()
		metrics.IncPacketTx(c.name)
		return nil
	}
	copy(c.buf, payload)
	c.pktLength = n
	c.bufferPos, c.nextSeq = 0, 0
	c.retries, c.credit = 0, 0
	c.clearFlags()
	c.gstate = GStateAwaitFC
	if err := c.txChunk(); err != nil {
		c.gstate = GStateIdle
		c.disarm()
		return fmt.Errorf("isotp %s first frame: %w", c.name, err)
	}
	metrics.IncPacketTx(c.name)
	return nil
}

// Retrieve copies a completed packet into dst and returns its full length,
// which may exceed len(dst) or the channel capacity. ok is false when no
// packet is waiting.
func (c *Channel) Retrieve(dst []byte) (n int, ok bool) {
	if !c.completed || c.dir == DirTX {
		return 0, false
	}
	n = c.pktLength
	copy(dst, c.buf[:min(n, len(c.buf))])
	c.completed = false
	c.pktLength = 0
	return n, true
}

// ProcessPkt feeds a received frame to the channel. It reports whether the
// frame was addressed to this channel.
func (c *Channel) ProcessPkt(fr *can.Frame) bool {
	if c.tstate != TStateConnOK || fr.ID != c.rxID {
		return false
	}
	c.dispatch(fr)
	return true
}

func (c *Channel) dispatch(fr *can.Frame) {
	p, err := Decode(fr)
	if err != nil {
		c.logger.Debug("isotp_frame_ignored", "frame", fr.String(), "error", err)
		return
	}
	switch p.Type {
	case PCISingle:
		if c.dir != DirTX {
			c.receiveSingle(p, int(fr.Len))
		}
	case PCIFirst:
		if c.dir != DirTX {
			c.receiveFirst(p, int(fr.Len))
		}
	case PCIConsecutive:
		if c.dir != DirTX {
			c.receiveConsecutive(p)
		}
	case PCIFlowControl:
		if c.dir != DirRX {
			c.receiveFlowControl(p)
		}
	}
}

func (c *Channel) receiveSingle(p PDU, dlc int) {
	n := p.Length
	if c.completed || n == 0 || n > singleMax || dlc <= n || len(c.buf) < n {
		return
	}
	copy(c.buf, p.Data[:n])
	c.bufferPos = n
	c.pktLength = n
	c.completed = true
	metrics.IncPacketRx(c.name)
}

func (c *Channel) receiveFirst(p PDU, dlc int) {
	if c.invalidPkt || c.completed || dlc != can.MaxLen || p.Length <= singleMax {
		return
	}
	if c.gstate == GStateAwaitCF {
		c.logger.Debug("isotp_rx_restart", "received", c.bufferPos, "length", c.pktLength)
	}
	c.bufferPos = firstPayload
	c.gstate = GStateAwaitCF
	c.arm(c.timing.TLA)
	c.nextSeq = 1
	c.pktLength = p.Length
	// The peer gets no extra retry delay on a stalled reception.
	c.phase = phaseRetryDelay
	copy(c.buf, p.Data[:firstPayload])
	if p.Length > len(c.buf) {
		metrics.IncProtocolEvent(metrics.EventRxOverflow)
		c.logger.Debug("isotp_rx_overflow", "length", p.Length, "capacity", len(c.buf))
	}
	c.sendFlowControl(FlowCTS, 1, 0)
}

func (c *Channel) receiveConsecutive(p PDU) {
	if c.invalidPkt || c.completed || c.gstate != GStateAwaitCF {
		return
	}
	if p.Seq != c.nextSeq {
		c.invalidPkt = true
		c.minorError = true
		c.phase = phaseRetryDelay
		c.arm(1)
		metrics.IncProtocolEvent(metrics.EventSequenceError)
		c.logger.Debug("isotp_sequence_error", "want", c.nextSeq, "got", p.Seq)
		return
	}
	if plen := len(p.Data); plen > 0 {
		// Bytes past the buffer are dropped but still counted so the end
		// of the packet is recognised.
		if c.bufferPos < len(c.buf) {
			copy(c.buf[c.bufferPos:], p.Data)
		}
		c.bufferPos += plen
		c.nextSeq = (c.nextSeq + 1) & 0x0F
	}
	if c.bufferPos >= c.pktLength {
		c.completed = true
		c.gstate = GStateIdle
		c.disarm()
		metrics.IncPacketRx(c.name)
		return
	}
	c.arm(c.timing.TLA)
	c.phase = phaseRetryDelay
	c.sendFlowControl(FlowCTS, 1, 0)
}

func (c *Channel) receiveFlowControl(p PDU) {
	if c.invalidPkt || c.gstate != GStateAwaitFC || c.credit != 0 {
		return
	}
	if p.Status != FlowCTS {
		c.invalidPkt = true
		c.phase = phaseRetryDelay
		c.arm(c.timing.TLB)
		metrics.IncProtocolEvent(metrics.EventFlowWait)
		c.logger.Debug("isotp_fc_not_cts", "status", p.Status.String())
		return
	}
	c.arm(c.timing.NBs)
	// Only the first FC of a transfer sets block size and separation time.
	if !c.receivedCTS {
		c.receivedCTS = true
		c.fcBlock = int(p.BlockSize)
		if c.fcBlock == 0 {
			c.fcBlock = unlimitedBlock
		}
		c.fcSep = SeparationTime(p.SepTime)
	}
	c.credit = c.fcBlock
	c.stMin = c.fcSep
	c.sepTimer = 1
}

// Tick advances the channel timers by one tick and sends paced
// Consecutive Frames.
func (c *Channel) Tick() Result {
	res := ResultIdle
	if c.completed {
		res = ResultPacketWaiting
	}
	if !c.awaiting() || !c.timerArmed {
		return res
	}
	c.pktTimer--
	if c.pktTimer <= 0 {
		return c.expire(res)
	}
	if c.gstate == GStateAwaitFC && !c.invalidPkt && !c.awaitingTxAck && c.credit > 0 {
		c.sepTimer--
		if c.sepTimer <= 0 {
			c.sepTimer = c.stMin
			c.credit--
			if err := c.txChunk(); err != nil {
				c.logger.Debug("isotp_cf_send_error", "error", err)
			}
			if c.credit > 0 && c.gstate == GStateAwaitFC {
				c.awaitingTxAck = true
			}
		}
	}
	return res
}

func (c *Channel) expire(res Result) Result {
	if c.phase == phaseAwaitingTimeout {
		c.invalidPkt = true
		c.phase = phaseRetryDelay
		c.pktTimer = c.timing.TLB
		return res
	}
	switch c.gstate {
	case GStateAwaitCF:
		c.logger.Debug("isotp_rx_abandoned", "received", c.bufferPos, "length", c.pktLength)
		c.gstate = GStateIdle
		c.disarm()
		c.clearFlags()
	case GStateAwaitFC:
		c.retries++
		if c.retries < c.timing.MaxRetries {
			c.clearFlags()
			c.bufferPos, c.nextSeq, c.credit = 0, 0, 0
			metrics.IncProtocolEvent(metrics.EventRetry)
			c.logger.Debug("isotp_tx_retry", "attempt", c.retries, "length", c.pktLength)
			if err := c.txChunk(); err != nil {
				c.logger.Debug("isotp_ff_send_error", "error", err)
			}
			return res
		}
		minor := c.minorError
		c.gstate = GStateIdle
		c.disarm()
		c.clearFlags()
		c.credit = 0
		metrics.IncTxFailure(c.name, minor)
		if minor {
			return ResultTxErrorMinor
		}
		return ResultTxErrorMajor
	default:
		c.gstate = GStateIdle
		c.disarm()
	}
	return res
}

// txChunk sends the First Frame when nothing has gone out yet, otherwise
// the next Consecutive Frame.
func (c *Channel) txChunk() error {
	if c.nextSeq == 0 && c.bufferPos == 0 {
		err := c.sender.Send(EncodeFirst(c.txID, c.tag(can.TagFirst), c.pktLength, c.buf[:firstPayload]))
		c.arm(c.timing.NBs)
		c.bufferPos += firstPayload
		c.nextSeq++
		return err
	}
	size := min(consecPayload, c.pktLength-c.bufferPos)
	if size <= 0 || c.bufferPos+size > len(c.buf) {
		return nil
	}
	err := c.sender.Send(EncodeConsecutive(c.txID, c.tag(can.TagConsecutive), c.nextSeq, c.buf[c.bufferPos:c.bufferPos+size]))
	c.bufferPos += size
	c.nextSeq = (c.nextSeq + 1) & 0x0F
	c.arm(c.timing.NBs)
	if c.bufferPos >= c.pktLength {
		c.credit = 0
		c.gstate = GStateIdle
		c.disarm()
		c.logger.Debug("isotp_tx_complete", "length", c.pktLength, "retries", c.retries)
	}
	return err
}

func (c *Channel) sendFlowControl(fs FlowStatus, bs, st uint8) {
	if err := c.sender.Send(EncodeFlowControl(c.txID, c.tag(can.TagFlowControl), fs, bs, st)); err != nil {
		c.logger.Debug("isotp_fc_send_error", "error", err)
	}
}

// ReportSuccess is called when the link confirms a tagged frame left the
// controller. Only Consecutive Frames gate further transmission.
func (c *Channel) ReportSuccess(tag can.Tag) {
	if tag.Kind == can.TagConsecutive {
		c.awaitingTxAck = false
	}
}

// ReportFailure is called when the link gave up on a tagged frame. The
// protocol timers take care of recovery.
func (c *Channel) ReportFailure(tag can.Tag) {
	c.logger.Debug("isotp_frame_failed", "kind", tag.Kind.String(), "state", c.gstate.String())
}

func (c *Channel) tag(k can.TagKind) can.Tag { return can.Tag{Channel: c.id, Kind: k} }

func (c *Channel) awaiting() bool { return c.gstate&0xF0 == 0x10 }

func (c *Channel) arm(ticks int) {
	c.pktTimer = ticks
	c.timerArmed = true
}

func (c *Channel) disarm() {
	c.pktTimer = 0
	c.timerArmed = false
}

func (c *Channel) clearFlags() {
	c.invalidPkt = false
	c.minorError = false
	c.receivedCTS = false
	c.awaitingTxAck = false
	c.phase = phaseAwaitingTimeout
}
