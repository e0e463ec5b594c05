package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
)

// runMetricsLogger logs a counter snapshot every interval until ctx ends.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"link_rx", snap.LinkRx,
				"link_tx", snap.LinkTx,
				"tx_timeouts", snap.TxTimeouts,
				"bus_errors", snap.BusErrors,
				"bus_off", snap.BusOff,
				"packets_rx", snap.PacketsRx,
				"packets_tx", snap.PacketsTx,
				"tx_fail_major", snap.TxFailMajor,
				"tx_fail_minor", snap.TxFailMinor,
				"tap_rx", snap.TapRx,
				"tap_tx", snap.TapTx,
				"hub_drops", snap.HubDrops,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
