package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/logging"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
	"github.com/kstaniek/go-stalk-gateway/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is the minimal interface needed by the backend and TXWriter.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) (Condition, error)
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter funnels all SocketCAN writes through a single goroutine. A write
// accepted by the kernel counts as transmitted and fires onSent.
type TXWriter struct{ *transport.AsyncTx }

// NewTXWriter creates a SocketCAN TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, dev Dev, buf int, onSent func()) *TXWriter {
	send := func(fr can.Frame) error { return dev.WriteFrame(fr) }
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Warn("socketcan_write_error", "error", err)
		},
		OnAfter: onSent,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrControllerBusy)
			return ErrTxOverflow
		},
	}
	return &TXWriter{transport.NewAsyncTx(parent, buf, send, hooks)}
}
