// Package hub fans bus traffic out to tap clients without ever blocking the
// gateway loop.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // drop the frame for that client
	PolicyKick                           // disconnect the client
)

var ErrTooManyClients = errors.New("hub: client limit reached")

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "", "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("hub: unknown policy %q", s)
}

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client with an outbound queue of size buf.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan can.Frame, max(buf, 1)), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	MaxClients int // 0 means unlimited
	Policy     BackpressurePolicy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 256} }

// Add registers a client unless the hub is at MaxClients.
func (h *Hub) Add(c *Client) error {
	h.mu.Lock()
	if h.MaxClients > 0 && len(h.clients) >= h.MaxClients {
		h.mu.Unlock()
		metrics.IncHubReject()
		return ErrTooManyClients
	}
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("tap_first_client")
	}
	return nil
}

// Remove unregisters and closes a client; safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	if !existed {
		return
	}
	metrics.SetHubClients(cur)
	if cur == 0 {
		logging.L().Info("tap_last_client_gone")
	}
}

// Broadcast queues fr to every client, applying the backpressure policy.
// The tag is stripped.
func (h *Hub) Broadcast(fr can.Frame) {
	fr.Tag = can.Tag{}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close()
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }

// CloseAll closes every client; their connections unwind and Remove them.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.Close()
	}
}
