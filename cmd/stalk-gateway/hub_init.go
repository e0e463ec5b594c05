package main

import (
	"log/slog"

	"github.com/kstaniek/go-stalk-gateway/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	h.MaxClients = cfg.maxClients
	p, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", "drop")
	}
	h.Policy = p
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize, "max_clients", h.MaxClients)
	return h
}
