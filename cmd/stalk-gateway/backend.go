package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-stalk-gateway/internal/link"
)

const (
	txQueueSize       = 1    // the link hands over one frame at a time
	serialReadBufSize = 4096 // per read() buffer for the serial backend
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond
)

// Hooks for tests.
var (
	sleepFn        = time.Sleep
	openRetryDelay = 500 * time.Millisecond
)

// backend is the CAN controller under the link. It transmits what the link
// hands over and reports received frames and bus conditions back to it.
type backend interface {
	link.Controller
	// start launches the receive side; lk must already be initialised.
	start(ctx context.Context, lk *link.Link, wg *sync.WaitGroup)
	// reset restarts the adapter after bus-off.
	reset() error
	shutdown()
}

// initBackend opens the configured backend. It returns an error instead of
// exiting so the caller can shut down cleanly.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (backend, error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, cfg, l)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, l)
	case "virtual":
		return initVirtualBackend(ctx, l), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|serial|virtual)", cfg.backend)
	}
}

// openWithRetry runs open up to cfg.openAttempts times. Extra options are
// applied last.
func openWithRetry(ctx context.Context, cfg *appConfig, l *slog.Logger, name string, open func() error, extra ...retry.Option) error {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(cfg.openAttempts),
		retry.Delay(openRetryDelay),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("backend_open_retry", "backend", name, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	}
	return retry.Do(open, append(opts, extra...)...)
}

func nextBackoff(d time.Duration) time.Duration {
	return min(d*2, rxBackoffMax)
}
