package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-stalk-gateway/internal/link"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
	"github.com/kstaniek/go-stalk-gateway/internal/serial"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// serialBackend drives an SLCAN adapter. Transmission is confirmed by the
// adapter's 'z' reply, not by the write itself.
type serialBackend struct {
	*serial.TXWriter
	sp     serial.Port
	codec  serial.Codec
	kbps   int
	status time.Duration
	l      *slog.Logger
}

func initSerialBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (*serialBackend, error) {
	var sp serial.Port
	err := openWithRetry(ctx, cfg, l, "serial", func() error {
		p, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return err
		}
		if err := serial.Setup(p, cfg.bitrate); err != nil {
			_ = p.Close()
			return err
		}
		sp = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud, "bitrate_kbps", cfg.bitrate)
	b := &serialBackend{sp: sp, kbps: cfg.bitrate, status: cfg.statusInterval, l: l}
	b.TXWriter = serial.NewTXWriter(ctx, sp, b.codec, txQueueSize, nil)
	return b, nil
}

func (b *serialBackend) start(ctx context.Context, lk *link.Link, wg *sync.WaitGroup) {
	wg.Add(1)
	go b.rxLoop(ctx, lk, wg)
	if b.status > 0 {
		wg.Add(1)
		go b.pollStatus(ctx, wg)
	}
}

func (b *serialBackend) rxLoop(ctx context.Context, lk *link.Link, wg *sync.WaitGroup) {
	defer wg.Done()
	defer b.l.Info("serial_rx_end")
	buf := make([]byte, serialReadBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := b.sp.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = b.codec.DecodeStream(acc, func(r serial.Reply) { handleReply(lk, r) })
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				b.l.Error("serial_device_lost", "error", err)
				lk.BusOff()
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout
			}
			metrics.IncError(metrics.ErrSerialRead)
			b.l.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = nextBackoff(backoff)
		}
	}
}

// handleReply turns one adapter message into link callbacks.
func handleReply(lk *link.Link, r serial.Reply) {
	switch r.Kind {
	case serial.ReplyFrame:
		lk.FrameArrived(r.Frame)
	case serial.ReplyTxAck:
		lk.TxDone()
	case serial.ReplyError:
		metrics.IncError(metrics.ErrSerialCommand)
		lk.BusError()
	case serial.ReplyStatus:
		if r.Status&(serial.StatusRxFull|serial.StatusDataOverrun) != 0 {
			lk.Overrun()
		}
		if r.Status&(serial.StatusErrWarning|serial.StatusErrPassive|serial.StatusBusError) != 0 {
			lk.BusError()
		}
	}
}

func (b *serialBackend) pollStatus(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	t := time.NewTicker(b.status)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := b.Command(serial.StatusCommand); err != nil {
				b.l.Debug("serial_status_poll_error", "error", err)
			}
		}
	}
}

// reset closes and reopens the CAN channel on the adapter.
func (b *serialBackend) reset() error {
	cmds, err := serial.SetupCommands(b.kbps)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		if err := b.Command(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *serialBackend) shutdown() {
	_ = b.sp.Close()
	b.Close()
}
