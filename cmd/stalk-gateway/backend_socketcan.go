package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/link"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
	"github.com/kstaniek/go-stalk-gateway/internal/socketcan"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// socketcanBackend drives a kernel CAN interface. A write accepted by the
// socket counts as transmitted.
type socketcanBackend struct {
	*socketcan.TXWriter
	dev socketcan.Dev
	l   *slog.Logger
	lk  atomic.Pointer[link.Link]
}

func initSocketCANBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (*socketcanBackend, error) {
	var dev socketcan.Dev
	err := openWithRetry(ctx, cfg, l, "socketcan", func() error {
		d, err := openSocketCANDevice(cfg.canIf)
		if err != nil {
			return err
		}
		dev = d
		return nil
	}, retry.RetryIf(func(err error) bool { return !errors.Is(err, socketcan.ErrUnsupported) }))
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	b := &socketcanBackend{dev: dev, l: l}
	b.TXWriter = socketcan.NewTXWriter(ctx, dev, txQueueSize, b.txDone)
	return b, nil
}

func (b *socketcanBackend) txDone() {
	if lk := b.lk.Load(); lk != nil {
		lk.TxDone()
	}
}

func (b *socketcanBackend) start(ctx context.Context, lk *link.Link, wg *sync.WaitGroup) {
	b.lk.Store(lk)
	wg.Add(1)
	go b.rxLoop(ctx, lk, wg)
}

func (b *socketcanBackend) rxLoop(ctx context.Context, lk *link.Link, wg *sync.WaitGroup) {
	defer wg.Done()
	defer b.l.Info("socketcan_rx_end")
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var fr can.Frame
		cond, err := b.dev.ReadFrame(&fr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch {
			case errors.Is(err, socketcan.ErrExtendedID):
				continue
			case errors.Is(err, socketcan.ErrShortRead):
				metrics.IncMalformed()
				continue
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			b.l.Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = rxBackoffMin
		switch cond {
		case socketcan.CondNone:
			lk.FrameArrived(fr)
		case socketcan.CondBusError:
			lk.BusError()
		case socketcan.CondBusOff:
			lk.BusOff()
		case socketcan.CondOverrun:
			lk.Overrun()
		case socketcan.CondRestarted:
			b.l.Info("socketcan_controller_restarted")
		}
	}
}

// reset is a no-op: the kernel restarts the controller (ip link ... restart-ms).
func (b *socketcanBackend) reset() error { return nil }

func (b *socketcanBackend) shutdown() {
	_ = b.dev.Close()
	b.Close()
}
