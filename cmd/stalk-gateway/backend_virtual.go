package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/link"
	"github.com/kstaniek/go-stalk-gateway/internal/vbus"
)

// virtualBackend runs the gateway on an in-memory bus. Tap clients play
// the other ECUs: their frames come from a second node, so the gateway
// receives them like real bus traffic.
type virtualBackend struct {
	*vbus.Node
	bus  *vbus.Bus
	peer *vbus.Node
}

type discardSink struct{}

func (discardSink) FrameArrived(can.Frame) {}
func (discardSink) TxDone()                {}

func initVirtualBackend(ctx context.Context, l *slog.Logger) *virtualBackend {
	bus := vbus.New()
	b := &virtualBackend{bus: bus, Node: bus.Attach(ctx, "gateway"), peer: bus.Attach(ctx, "tap")}
	b.peer.Bind(discardSink{})
	l.Info("virtual_bus_ready")
	return b
}

func (b *virtualBackend) start(_ context.Context, lk *link.Link, _ *sync.WaitGroup) { b.Bind(lk) }

func (b *virtualBackend) reset() error { return nil }

// inject puts a tap frame on the bus as if another ECU sent it.
func (b *virtualBackend) inject(fr can.Frame) error {
	if err := fr.Validate(); err != nil {
		return err
	}
	return b.peer.SendFrame(fr)
}

func (b *virtualBackend) shutdown() {
	b.bus.Detach(b.peer)
	b.bus.Detach(b.Node)
}
