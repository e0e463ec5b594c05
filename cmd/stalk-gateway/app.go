package main

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/kstaniek/go-stalk-gateway/internal/isotp"
)

// logApp is the application the binary runs with: it logs delivered
// packets and failed transmissions. Echo channels answer on their own.
type logApp struct{ l *slog.Logger }

func (a logApp) PacketReceived(ch *isotp.Channel, data []byte) {
	if !a.l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	a.l.Debug("packet_received", "channel", ch.Name(), "len", len(data), "data", hex.EncodeToString(data))
}

func (a logApp) TransmitFailed(ch *isotp.Channel, res isotp.Result) {
	a.l.Warn("packet_transmit_failed", "channel", ch.Name(), "result", res.String())
}
