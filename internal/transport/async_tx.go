package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
)

// AsyncTx funnels device writes through a single goroutine. SendFrame never
// blocks: when the buffer is full the OnDrop hook decides the error.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// AsyncTx also satisfies link.Controller (Transmit/Abort) so the link can
// hand it one frame at a time and cancel a frame the device never took.
type AsyncTx struct {
	mu      sync.Mutex
	ch      chan can.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	send    func(can.Frame) error
	hooks   Hooks
	closed  atomic.Bool
	pending atomic.Int64 // queued or being written
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from SendFrame. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			a.write(fr)
		case <-a.ctx.Done():
			return
		}
	}
}

// write sends one frame and runs the hooks; pending drops only afterwards
// so Pending()==0 means every completion callback has returned.
func (a *AsyncTx) write(fr can.Frame) {
	defer a.pending.Add(-1)
	if err := a.send(fr); err != nil {
		if a.hooks.OnError != nil {
			a.hooks.OnError(err)
		}
		return
	}
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter()
	}
}

// SendFrame queues a frame for asynchronous transmission or returns the drop
// error if the buffer is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.pending.Add(1)
	select {
	case a.ch <- fr:
		return nil
	default:
		a.pending.Add(-1)
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Transmit hands one frame to the writer.
func (a *AsyncTx) Transmit(fr can.Frame) error { return a.SendFrame(fr) }

// Abort discards frames the worker has not picked up yet. It reports false
// while a write is still in progress.
func (a *AsyncTx) Abort() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return true
	}
drain:
	for {
		select {
		case <-a.ch:
			a.pending.Add(-1)
		default:
			break drain
		}
	}
	return a.pending.Load() == 0
}

// Pending returns the number of frames queued or being written.
func (a *AsyncTx) Pending() int { return int(a.pending.Load()) }

// Close stops the worker and waits for it to exit.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	// Cancel first, then close the channel under the send lock.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
