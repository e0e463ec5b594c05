package isotp

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
)

// Outcome is a non-idle tick result for one channel.
type Outcome struct {
	Channel *Channel
	Result  Result
}

// Runtime owns the set of connected channels: it ticks them, routes
// received frames by receive identifier and resolves link tags back to
// their channel.
type Runtime struct {
	byID     map[uint16]*Channel
	byRx     map[uint16]*Channel
	order    []*Channel
	outcomes []Outcome
	logger   *slog.Logger
}

// NewRuntime returns an empty runtime.
func NewRuntime(l *slog.Logger) *Runtime {
	if l == nil {
		l = logging.L()
	}
	return &Runtime{
		byID:   make(map[uint16]*Channel),
		byRx:   make(map[uint16]*Channel),
		logger: l,
	}
}

// Add registers a connected channel. Channel ids and receive identifiers
// must be unique.
func (r *Runtime) Add(ch *Channel) error {
	if ch == nil || ch.tstate != TStateConnOK {
		return ErrNotConnected
	}
	if _, dup := r.byID[ch.id]; dup {
		return fmt.Errorf("%w: id %d", ErrDuplicateChannel, ch.id)
	}
	if other, dup := r.byRx[ch.rxID]; dup {
		return fmt.Errorf("%w: rx 0x%03X used by %s", ErrDuplicateChannel, ch.rxID, other.name)
	}
	r.byID[ch.id] = ch
	r.byRx[ch.rxID] = ch
	r.order = append(r.order, ch)
	sort.Slice(r.order, func(i, j int) bool { return r.order[i].id < r.order[j].id })
	r.logger.Info("isotp_channel_added", "channel", ch.name, "id", ch.id,
		"tx_id", fmt.Sprintf("0x%03X", ch.txID), "rx_id", fmt.Sprintf("0x%03X", ch.rxID), "dir", ch.dir.String())
	return nil
}

// Remove unregisters the channel with the given id. Frames for it are
// ignored from then on.
func (r *Runtime) Remove(id uint16) error {
	ch, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownChannel, id)
	}
	delete(r.byID, id)
	delete(r.byRx, ch.rxID)
	for i, c := range r.order {
		if c == ch {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("isotp_channel_removed", "channel", ch.name, "id", id)
	return nil
}

// Channel looks up a registered channel by id.
func (r *Runtime) Channel(id uint16) (*Channel, bool) {
	ch, ok := r.byID[id]
	return ch, ok
}

// Channels returns the registered channels ordered by id.
func (r *Runtime) Channels() []*Channel { return append([]*Channel(nil), r.order...) }

// Tick advances every channel by one tick and returns the non-idle
// outcomes. The returned slice is reused by the next call.
func (r *Runtime) Tick() []Outcome {
	r.outcomes = r.outcomes[:0]
	for _, ch := range r.order {
		res := ch.Tick()
		if res == ResultIdle {
			continue
		}
		if res.Failed() {
			r.logger.Warn("isotp_tx_failed", "channel", ch.name, "result", res.String())
		}
		r.outcomes = append(r.outcomes, Outcome{Channel: ch, Result: res})
	}
	return r.outcomes
}

// ProcessPkt routes fr to the channel listening on its identifier and
// reports whether any channel consumed it.
func (r *Runtime) ProcessPkt(fr *can.Frame) bool {
	ch, ok := r.byRx[fr.ID]
	if !ok {
		return false
	}
	return ch.ProcessPkt(fr)
}

// ReportSuccess forwards a completed transmission tag to its channel.
func (r *Runtime) ReportSuccess(tag can.Tag) {
	if tag.IsZero() {
		return
	}
	if ch, ok := r.byID[tag.Channel]; ok {
		ch.ReportSuccess(tag)
	}
}

// ReportFailure forwards a failed transmission tag to its channel.
func (r *Runtime) ReportFailure(tag can.Tag) {
	if tag.IsZero() {
		return
	}
	if ch, ok := r.byID[tag.Channel]; ok {
		ch.ReportFailure(tag)
	}
}
