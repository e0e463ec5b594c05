package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
	"github.com/kstaniek/go-stalk-gateway/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all serial writes through one goroutine. Adapter
// commands share the port lock so they never interleave with a frame.
type TXWriter struct {
	*transport.AsyncTx
	mu sync.Mutex
	sp Port
}

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
// onSent fires after each write; pass nil when the adapter confirms
// transmission itself with a 'z' reply.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int, onSent func()) *TXWriter {
	w := &TXWriter{sp: sp}
	send := func(fr can.Frame) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: onSent,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrControllerBusy)
			return ErrTxOverflow
		},
	}
	w.AsyncTx = transport.NewAsyncTx(parent, buf, send, hooks)
	return w
}

// Command writes a raw adapter command such as "F\r".
func (w *TXWriter) Command(cmd []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.sp.Write(cmd); err != nil {
		metrics.IncError(metrics.ErrSerialCommand)
		return fmt.Errorf("serial command %q: %w", cmd, err)
	}
	return nil
}
