// Package vbus is an in-memory CAN segment. Every attached node sees the
// frames the others transmit; a node's own frames are not echoed back.
// Used for the virtual backend and for end-to-end tests.
package vbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/transport"
)

var ErrUnplugged = errors.New("vbus: node unplugged")

// Sink receives the controller callbacks of one node. *link.Link satisfies it.
type Sink interface {
	FrameArrived(can.Frame)
	TxDone()
}

// Bus connects nodes.
type Bus struct {
	mu    sync.RWMutex
	nodes []*Node
}

func New() *Bus { return &Bus{} }

// Node is one controller on the bus.
type Node struct {
	*transport.AsyncTx
	bus       *Bus
	name      string
	sink      atomic.Pointer[sinkRef]
	unplugged atomic.Bool
	dropMu    sync.Mutex
	drop      func(can.Frame) bool
}

type sinkRef struct{ Sink }

// Attach adds a node to the bus. Frames reach it once Bind has been called.
// The node's writer runs until ctx is done or Close is called.
func (b *Bus) Attach(ctx context.Context, name string) *Node {
	n := &Node{bus: b, name: name}
	n.AsyncTx = transport.NewAsyncTx(ctx, 1, n.deliver, transport.Hooks{OnAfter: n.txDone})
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

// Detach removes n from the bus and stops its writer.
func (b *Bus) Detach(n *Node) {
	b.mu.Lock()
	for i, o := range b.nodes {
		if o == n {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	n.Close()
}

func (n *Node) Name() string { return n.name }

// Bind routes the node's controller callbacks to sink.
func (n *Node) Bind(sink Sink) { n.sink.Store(&sinkRef{sink}) }

func (n *Node) txDone() {
	if r := n.sink.Load(); r != nil {
		r.TxDone()
	}
}

func (n *Node) frameArrived(fr can.Frame) {
	if r := n.sink.Load(); r != nil {
		r.FrameArrived(fr)
	}
}

// Unplug makes transmissions fail without reaching the bus, the way an
// unacknowledged frame never completes on a real controller.
func (n *Node) Unplug(v bool) { n.unplugged.Store(v) }

// DropIf installs a filter; frames for which fn returns true are lost on
// the wire but still confirmed to the sender.
func (n *Node) DropIf(fn func(can.Frame) bool) {
	n.dropMu.Lock()
	n.drop = fn
	n.dropMu.Unlock()
}

func (n *Node) deliver(fr can.Frame) error {
	if n.unplugged.Load() {
		return ErrUnplugged
	}
	n.dropMu.Lock()
	drop := n.drop
	n.dropMu.Unlock()
	if drop != nil && drop(fr) {
		return nil
	}
	fr.Tag = can.Tag{}
	n.bus.mu.RLock()
	defer n.bus.mu.RUnlock()
	for _, o := range n.bus.nodes {
		if o != n {
			o.frameArrived(fr)
		}
	}
	return nil
}
