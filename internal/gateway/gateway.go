// Package gateway runs the cooperative 1 ms loop that ties the link
// scheduler to the ISO 15765 runtime. Every link and channel call happens
// on the loop goroutine; other goroutines talk to it through Inject and the
// request methods, which hand work over on channels.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/isotp"
	"github.com/kstaniek/go-stalk-gateway/internal/link"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
)

var (
	ErrInjectFull    = errors.New("gateway: inject queue full")
	ErrNotRunning    = errors.New("gateway: loop not running")
	ErrChannelExists = errors.New("gateway: channel already enabled")
	ErrNoSuchChannel = errors.New("gateway: no such channel")
)

// ChannelSpec describes one ISO 15765 channel.
type ChannelSpec struct {
	ID      uint16
	Name    string
	TxID    uint16
	RxID    uint16
	Buffer  int
	Dir     isotp.Direction
	Enabled bool // connect at startup
	Echo    bool // send every received packet straight back
}

// Application consumes reassembled packets and transmit failures. It is
// called on the loop goroutine and must not block; data is only valid for
// the duration of the call.
type Application interface {
	PacketReceived(ch *isotp.Channel, data []byte)
	TransmitFailed(ch *isotp.Channel, res isotp.Result)
}

// Gateway owns the link and the channel runtime.
type Gateway struct {
	link   *link.Link
	rt     *isotp.Runtime
	logger *slog.Logger

	tick       time.Duration
	timing     isotp.Timing
	holdoff    int
	sleepAfter int
	maxPolls   int

	specs  map[uint16]ChannelSpec
	app    Application
	mirror func(can.Frame)
	reinit func() error

	inject   chan can.Frame
	requests chan func()
	running  chan struct{}

	// loop-owned
	busOffTimer int
	idleTicks   int
	asleep      bool
	scratch     []byte
}

// Option customizes a Gateway.
type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithTick sets the loop period. Protocol timers count loop ticks.
func WithTick(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.tick = d
		}
	}
}

func WithTiming(t isotp.Timing) Option { return func(g *Gateway) { g.timing = t } }

// WithBusOffHoldoff sets how many ticks must pass between two link
// re-initialisations after bus-off.
func WithBusOffHoldoff(ticks int) Option { return func(g *Gateway) { g.holdoff = ticks } }

// WithSleepAfter sets the number of ticks without received frames after
// which the bus is reported asleep. Zero disables detection.
func WithSleepAfter(ticks int) Option { return func(g *Gateway) { g.sleepAfter = ticks } }

func WithApplication(a Application) Option { return func(g *Gateway) { g.app = a } }

// WithMirror registers a callback seeing every frame received from or
// queued to the bus (the tap hub).
func WithMirror(fn func(can.Frame)) Option { return func(g *Gateway) { g.mirror = fn } }

// WithControllerReset registers a hook run on bus-off before the link is
// re-initialised, for backends that need to restart the adapter.
func WithControllerReset(fn func() error) Option { return func(g *Gateway) { g.reinit = fn } }

// WithInjectQueue sets the capacity of the frame injection queue.
func WithInjectQueue(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.inject = make(chan can.Frame, n)
		}
	}
}

// New builds a gateway around an initialised link and connects every
// enabled channel in specs.
func New(l *link.Link, specs []ChannelSpec, opts ...Option) (*Gateway, error) {
	if !l.Initialized() {
		return nil, link.ErrNotInitialized
	}
	g := &Gateway{
		link:       l,
		logger:     logging.L(),
		tick:       time.Millisecond,
		timing:     isotp.DefaultTiming(),
		holdoff:    250,
		sleepAfter: 10000,
		specs:      make(map[uint16]ChannelSpec),
		inject:     make(chan can.Frame, 64),
		requests:   make(chan func(), 16),
		running:    make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	g.rt = isotp.NewRuntime(g.logger)
	g.maxPolls = l.Config().RxQueue + 4
	for _, s := range specs {
		if _, dup := g.specs[s.ID]; dup {
			return nil, fmt.Errorf("%w: id %d", isotp.ErrDuplicateChannel, s.ID)
		}
		g.specs[s.ID] = s
		if s.Buffer > len(g.scratch) {
			g.scratch = make([]byte, s.Buffer)
		}
		if !s.Enabled {
			continue
		}
		if err := g.connect(s); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Runtime exposes the channel runtime. Only use it from the loop goroutine
// or before Run starts.
func (g *Gateway) Runtime() *isotp.Runtime { return g.rt }

// Ready reports whether the link is up and not latched in bus-off.
func (g *Gateway) Ready() bool { return g.link.Initialized() && !g.link.IsBusOff() }

func (g *Gateway) connect(s ChannelSpec) error {
	ch := isotp.NewChannel(sender{g}, isotp.WithName(s.Name), isotp.WithTiming(g.timing), isotp.WithLogger(g.logger))
	if err := ch.Connect(s.ID, s.TxID, s.RxID, make([]byte, s.Buffer), s.Dir); err != nil {
		return fmt.Errorf("connect %s: %w", s.Name, err)
	}
	return g.rt.Add(ch)
}

// sender queues channel frames on the link and mirrors what was accepted.
type sender struct{ g *Gateway }

func (s sender) Send(fr can.Frame) error {
	if err := s.g.link.Send(fr); err != nil {
		return err
	}
	if s.g.mirror != nil {
		s.g.mirror(fr)
	}
	return nil
}

// Run drives the loop until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	close(g.running)
	t := time.NewTicker(g.tick)
	defer t.Stop()
	g.logger.Info("gateway_start", "tick", g.tick, "channels", len(g.rt.Channels()))
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("gateway_stop")
			return nil
		case fn := <-g.requests:
			fn()
		case <-t.C:
			g.step()
		}
	}
}

// step is one tick: link watchdog, event drain, channel timers.
func (g *Gateway) step() {
	if g.busOffTimer > 0 {
		g.busOffTimer--
	}
	g.link.Tick()
	g.drainInjected()
	g.pollEvents()
	for _, o := range g.rt.Tick() {
		g.handleOutcome(o)
	}
	g.trackSleep()
}

func (g *Gateway) pollEvents() {
	for i := 0; i < g.maxPolls; i++ {
		ev, err := g.link.Poll()
		if err != nil {
			return
		}
		g.rt.ReportSuccess(ev.Completed)
		switch ev.Kind {
		case link.EventIdle:
			return
		case link.EventFrame:
			g.idleTicks = 0
			if g.mirror != nil {
				g.mirror(ev.Frame)
			}
			g.rt.ProcessPkt(&ev.Frame)
		case link.EventTxTimeout:
			g.rt.ReportFailure(ev.Failed)
		case link.EventBusOff:
			g.recoverBusOff()
			// bus-off stays latched until re-init; nothing else can be read now
			return
		case link.EventBusError, link.EventOverrun:
			g.logger.Debug("link_condition", "kind", ev.Kind.String())
		}
	}
}

func (g *Gateway) recoverBusOff() {
	if g.busOffTimer > 0 {
		return
	}
	g.busOffTimer = g.holdoff
	g.logger.Warn("link_bus_off", "holdoff_ticks", g.holdoff)
	if g.reinit != nil {
		if err := g.reinit(); err != nil {
			g.logger.Error("controller_reset_error", "error", err)
		}
	}
	if err := g.link.Reinit(); err != nil {
		g.logger.Error("link_reinit_error", "error", err)
		return
	}
	metrics.IncLinkReinit()
}

func (g *Gateway) handleOutcome(o isotp.Outcome) {
	ch := o.Channel
	switch o.Result {
	case isotp.ResultPacketWaiting:
		n, ok := ch.Retrieve(g.scratch)
		if !ok {
			return
		}
		if n > ch.Capacity() {
			g.logger.Debug("isotp_rx_truncated", "channel", ch.Name(), "length", n, "capacity", ch.Capacity())
			n = ch.Capacity()
		}
		data := g.scratch[:n]
		if g.app != nil {
			g.app.PacketReceived(ch, data)
		}
		if g.specs[ch.ID()].Echo {
			g.echo(ch, data)
		}
	case isotp.ResultTxErrorMajor, isotp.ResultTxErrorMinor:
		if g.app != nil {
			g.app.TransmitFailed(ch, o.Result)
		}
	}
}

func (g *Gateway) echo(ch *isotp.Channel, data []byte) {
	if !ch.Status().Ready() {
		metrics.IncError(metrics.ErrChannelTransmit)
		g.logger.Debug("echo_skipped_busy", "channel", ch.Name())
		return
	}
	if err := ch.Transmit(data); err != nil {
		metrics.IncError(metrics.ErrChannelTransmit)
		g.logger.Debug("echo_error", "channel", ch.Name(), "error", err)
	}
}

func (g *Gateway) trackSleep() {
	if g.sleepAfter <= 0 {
		return
	}
	if g.idleTicks == 0 && g.asleep {
		g.asleep = false
		g.logger.Info("bus_wake")
	}
	if g.idleTicks < g.sleepAfter {
		g.idleTicks++
		return
	}
	if !g.asleep && g.link.Quiescent() {
		g.asleep = true
		g.logger.Info("bus_sleep", "idle_ticks", g.idleTicks)
	}
}

// Asleep reports whether the bus has been silent for the sleep interval.
// Loop goroutine only.
func (g *Gateway) Asleep() bool { return g.asleep }

func (g *Gateway) drainInjected() {
	for i := 0; i < g.maxPolls; i++ {
		select {
		case fr := <-g.inject:
			if err := g.link.Send(fr); err != nil {
				metrics.IncError(metrics.ErrTapInjectFull)
				g.logger.Debug("inject_send_error", "frame", fr.String(), "error", err)
				continue
			}
			metrics.IncTapRx()
			if g.mirror != nil {
				g.mirror(fr)
			}
		default:
			return
		}
	}
}

// Inject queues a raw frame for transmission on the bus. It never blocks.
func (g *Gateway) Inject(fr can.Frame) error {
	if err := fr.Validate(); err != nil {
		return err
	}
	fr.Tag = can.Tag{}
	select {
	case g.inject <- fr:
		return nil
	default:
		metrics.IncError(metrics.ErrTapInjectFull)
		return ErrInjectFull
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (g *Gateway) do(ctx context.Context, fn func() error) error {
	select {
	case <-g.running:
	default:
		return ErrNotRunning
	}
	res := make(chan error, 1)
	select {
	case g.requests <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transmit starts sending payload on channel id. It fails with
// isotp.ErrNotIdle while the channel is still busy.
func (g *Gateway) Transmit(ctx context.Context, id uint16, payload []byte) error {
	buf := append([]byte(nil), payload...)
	return g.do(ctx, func() error {
		ch, ok := g.rt.Channel(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchChannel, id)
		}
		return ch.Transmit(buf)
	})
}

// ChannelStatus returns the state of channel id.
func (g *Gateway) ChannelStatus(ctx context.Context, id uint16) (isotp.Status, error) {
	res := make(chan isotp.Status, 1)
	err := g.do(ctx, func() error {
		ch, ok := g.rt.Channel(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchChannel, id)
		}
		res <- ch.Status()
		return nil
	})
	if err != nil {
		return isotp.Status{}, err
	}
	return <-res, nil
}

// EnableChannel connects a configured channel that was left disabled, such
// as the programming channel. It is meant for the application layer that
// decides when programming mode starts; the binary itself never calls it.
func (g *Gateway) EnableChannel(ctx context.Context, id uint16) error {
	return g.do(ctx, func() error {
		s, ok := g.specs[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchChannel, id)
		}
		if _, on := g.rt.Channel(id); on {
			return fmt.Errorf("%w: %s", ErrChannelExists, s.Name)
		}
		return g.connect(s)
	})
}

// DisableChannel disconnects channel id; frames for it are ignored after.
// Like EnableChannel it is driven by the application layer.
func (g *Gateway) DisableChannel(ctx context.Context, id uint16) error {
	return g.do(ctx, func() error { return g.rt.Remove(id) })
}
