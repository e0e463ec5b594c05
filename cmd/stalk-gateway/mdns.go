package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_stalk-gateway._tcp"

// startMDNS advertises the bus tap and returns a cleanup function. The
// registration is also withdrawn when ctx ends.
func startMDNS(ctx context.Context, cfg *appConfig, port, channels int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("stalk-gateway-%s", host)
	}
	meta := []string{
		"backend=" + cfg.backend,
		"protocol=cannelloni",
		"channels=" + strconv.Itoa(channels),
		"readonly=" + strconv.FormatBool(cfg.tapReadOnly),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
