// Package link schedules CAN frames onto a controller that can hold one
// outbound frame at a time and reports completion asynchronously.
//
// The owning goroutine calls Send, Poll, Tick, Flush and Reinit. The
// controller side (a receive loop or write completion callback) calls
// FrameArrived, TxDone, BusError, BusOff and Overrun. Nothing blocks.
package link

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
	"github.com/kstaniek/go-stalk-gateway/internal/ring"
)

var (
	ErrNotInitialized = errors.New("link: not initialized")
	ErrBufferFull     = errors.New("link: tx buffer full")
	ErrInvalidFrame   = errors.New("link: invalid frame")
)

// Controller is the hardware side of the link. Transmit hands over exactly
// one frame; the controller must later call TxDone on success. Abort asks the
// controller to drop the in-flight frame and reports whether it did.
type Controller interface {
	Transmit(can.Frame) error
	Abort() bool
}

// Config holds link parameters. Timeouts are counted in Tick calls.
type Config struct {
	TxTimeout      int  // ticks a frame may stay in flight
	PurgeOnTimeout bool // flush queued frames after a timeout
	RxQueue        int
	TxQueue        int
	EchoQueue      int
}

// DefaultConfig mirrors the head-unit side settings: 100 ms timeout at a
// 1 ms tick, queued frames purged after a timeout.
func DefaultConfig() Config {
	return Config{TxTimeout: 100, PurgeOnTimeout: true, RxQueue: 16, TxQueue: 16, EchoQueue: 16}
}

// EventKind classifies a Poll result.
type EventKind int

const (
	EventIdle EventKind = iota
	EventFrame
	EventOverrun
	EventBusError
	EventBusOff
	EventTxTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventOverrun:
		return "overrun"
	case EventBusError:
		return "bus_error"
	case EventBusOff:
		return "bus_off"
	case EventTxTimeout:
		return "tx_timeout"
	default:
		return "idle"
	}
}

// Event is one Poll result. Completed carries a drained success tag on
// EventFrame and EventIdle; Failed carries the tag of a timed out frame.
type Event struct {
	Kind      EventKind
	Frame     can.Frame
	Completed can.Tag
	Failed    can.Tag
}

// FlushTarget selects which queues Flush empties.
type FlushTarget int

const (
	FlushRx FlushTarget = 1 << iota
	FlushTx
	FlushBoth = FlushRx | FlushTx
)

const (
	flagOverrun uint32 = 1 << iota
	flagBusError
	flagBusOff
	flagTxTimeout
)

type Link struct {
	ctrl   Controller
	logger *slog.Logger

	cfg  Config
	rx   *ring.Frames
	tx   *ring.Frames
	echo *ring.Tags

	initialized atomic.Bool
	flags       atomic.Uint32
	txFinished  atomic.Bool

	// owned by the polling goroutine
	inFlight  bool
	txTimer   int
	lastTag   can.Tag
	failedTag can.Tag
}

// New creates an uninitialized link bound to ctrl.
func New(ctrl Controller) *Link {
	l := &Link{ctrl: ctrl, logger: logging.L()}
	l.txFinished.Store(true)
	return l
}

// WithLogger replaces the link logger.
func (l *Link) WithLogger(lg *slog.Logger) *Link {
	if lg != nil {
		l.logger = lg
	}
	return l
}

// Init configures the queues and clears every error condition.
func (l *Link) Init(cfg Config) error {
	if cfg.TxTimeout <= 0 {
		return fmt.Errorf("link init: tx timeout must be > 0 (got %d)", cfg.TxTimeout)
	}
	if cfg.RxQueue <= 0 || cfg.TxQueue <= 0 || cfg.EchoQueue <= 0 {
		return fmt.Errorf("link init: queue sizes must be > 0")
	}
	l.initialized.Store(false)
	l.cfg = cfg
	l.rx = ring.NewFrames(cfg.RxQueue)
	l.tx = ring.NewFrames(cfg.TxQueue)
	l.echo = ring.NewTags(cfg.EchoQueue)
	l.resetState()
	l.initialized.Store(true)
	l.logger.Debug("link_init", "tx_timeout", cfg.TxTimeout, "purge_on_timeout", cfg.PurgeOnTimeout,
		"rx_queue", cfg.RxQueue, "tx_queue", cfg.TxQueue)
	return nil
}

// Reinit recovers from bus-off: it drops queued traffic and clears all
// sticky conditions while keeping the current configuration. A frame the
// controller refuses to abort stays in flight; Tick retries the abort and
// nothing new is handed over until it succeeds or the write completes.
func (l *Link) Reinit() error {
	if !l.initialized.Load() {
		return ErrNotInitialized
	}
	stuck := l.inFlight && !l.txFinished.Load() && !l.ctrl.Abort()
	l.Flush(FlushBoth)
	l.echo.Drain()
	if stuck {
		l.flags.Store(0)
		l.failedTag = can.Tag{}
		l.txTimer = l.cfg.TxTimeout + 1
		l.logger.Info("link_reinit", "abort_pending", true)
		return nil
	}
	l.resetState()
	l.logger.Info("link_reinit")
	return nil
}

func (l *Link) resetState() {
	l.flags.Store(0)
	l.txFinished.Store(true)
	l.inFlight = false
	l.txTimer = 0
	l.lastTag = can.Tag{}
	l.failedTag = can.Tag{}
}

// Send queues fr and starts transmission when the controller is free.
func (l *Link) Send(fr can.Frame) error {
	if !l.initialized.Load() {
		return ErrNotInitialized
	}
	if err := fr.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if !l.tx.Push(fr) {
		metrics.IncError(metrics.ErrLinkTxFull)
		return ErrBufferFull
	}
	if l.txFinished.Load() {
		l.startNext()
	}
	return nil
}

// Poll returns the highest priority pending condition, else the next
// received frame, else EventIdle.
func (l *Link) Poll() (Event, error) {
	if !l.initialized.Load() {
		return Event{}, ErrNotInitialized
	}
	for {
		f := l.flags.Load()
		var bit uint32
		var kind EventKind
		switch {
		case f&flagOverrun != 0:
			bit, kind = flagOverrun, EventOverrun
		case f&flagBusError != 0:
			bit, kind = flagBusError, EventBusError
		case f&flagBusOff != 0:
			return Event{Kind: EventBusOff}, nil
		case f&flagTxTimeout != 0:
			bit, kind = flagTxTimeout, EventTxTimeout
		}
		if bit == 0 {
			break
		}
		if !l.flags.CompareAndSwap(f, f&^bit) {
			continue
		}
		ev := Event{Kind: kind}
		if kind == EventTxTimeout {
			ev.Failed = l.failedTag
			l.failedTag = can.Tag{}
		}
		return ev, nil
	}
	ev := Event{Kind: EventIdle}
	if fr, ok := l.rx.Pop(); ok {
		ev.Kind = EventFrame
		ev.Frame = fr
	}
	if tag, ok := l.echo.Pop(); ok {
		ev.Completed = tag
	}
	return ev, nil
}

// Tick advances the transmit watchdog. Call it once per tick period.
func (l *Link) Tick() {
	if !l.initialized.Load() {
		return
	}
	if l.inFlight && !l.txFinished.Load() {
		if l.txTimer > l.cfg.TxTimeout {
			if l.ctrl.Abort() {
				l.inFlight = false
				l.failedTag = l.lastTag
				l.lastTag = can.Tag{}
				l.txFinished.Store(true)
				l.setFlag(flagTxTimeout)
				metrics.IncLinkTxTimeout()
				l.logger.Warn("link_tx_timeout", "ticks", l.txTimer, "tag_channel", l.failedTag.Channel, "tag_kind", l.failedTag.Kind.String())
				if l.cfg.PurgeOnTimeout {
					if n := l.tx.Drain(); n > 0 {
						l.logger.Debug("link_tx_purged", "frames", n)
					}
				}
			}
		} else {
			l.txTimer++
		}
	} else {
		l.completeInFlight()
	}
	if l.tx.Len() > 0 {
		l.startNext()
	}
}

// completeInFlight moves the tag of a finished frame to the echo queue.
func (l *Link) completeInFlight() {
	if !l.inFlight {
		return
	}
	l.inFlight = false
	metrics.IncLinkTx()
	if !l.lastTag.IsZero() {
		if !l.echo.Push(l.lastTag) {
			l.logger.Debug("link_echo_overflow", "tag_channel", l.lastTag.Channel)
		}
		l.lastTag = can.Tag{}
	}
}

func (l *Link) startNext() {
	if !l.txFinished.Load() {
		return
	}
	l.completeInFlight()
	fr, ok := l.tx.Pop()
	if !ok {
		return
	}
	l.txFinished.Store(false)
	l.inFlight = true
	l.txTimer = 0
	l.lastTag = fr.Tag
	if err := l.ctrl.Transmit(fr); err != nil {
		// The frame is lost; surface it the same way as a timeout so the
		// owner of the tag hears about it.
		metrics.IncError(metrics.ErrLinkTxStart)
		l.logger.Warn("link_tx_start_error", "error", err, "frame", fr.String())
		l.inFlight = false
		l.failedTag = l.lastTag
		l.lastTag = can.Tag{}
		l.txFinished.Store(true)
		l.setFlag(flagTxTimeout)
	}
}

// Flush empties the selected queues from the owning goroutine.
func (l *Link) Flush(which FlushTarget) {
	if !l.initialized.Load() {
		return
	}
	if which&FlushRx != 0 {
		l.rx.Drain()
	}
	if which&FlushTx != 0 {
		l.tx.Drain()
	}
}

// Quiescent reports whether the link has nothing queued, nothing in flight
// and no unread conditions.
func (l *Link) Quiescent() bool {
	if !l.initialized.Load() {
		return true
	}
	return !l.inFlight && l.txFinished.Load() && l.tx.Len() == 0 && l.rx.Len() == 0 &&
		l.echo.Len() == 0 && l.flags.Load() == 0
}

// Config returns the active configuration.
func (l *Link) Config() Config { return l.cfg }

// Initialized reports whether Init has succeeded.
func (l *Link) Initialized() bool { return l.initialized.Load() }

// IsBusOff reports whether the bus-off condition is latched.
func (l *Link) IsBusOff() bool { return l.flags.Load()&flagBusOff != 0 }

// FrameArrived stores a received frame; a full queue raises the overrun condition.
func (l *Link) FrameArrived(fr can.Frame) {
	if !l.initialized.Load() {
		return
	}
	fr.Tag = can.Tag{}
	if !l.rx.Push(fr) {
		l.Overrun()
		return
	}
	metrics.IncLinkRx()
}

// TxDone marks the in-flight frame as transmitted.
func (l *Link) TxDone() { l.txFinished.Store(true) }

// BusError raises the bus error condition (cleared when polled).
func (l *Link) BusError() {
	if l.setFlag(flagBusError) {
		metrics.IncLinkBusError()
	}
}

// BusOff latches the bus-off condition until Reinit.
func (l *Link) BusOff() {
	if l.setFlag(flagBusOff) {
		metrics.IncLinkBusOff()
	}
}

// Overrun raises the receive overrun condition (cleared when polled).
func (l *Link) Overrun() {
	if l.setFlag(flagOverrun) {
		metrics.IncLinkOverrun()
	}
}

// setFlag sets bit and reports whether it was previously clear.
func (l *Link) setFlag(bit uint32) bool {
	for {
		f := l.flags.Load()
		if f&bit != 0 {
			return false
		}
		if l.flags.CompareAndSwap(f, f|bit) {
			return true
		}
	}
}
