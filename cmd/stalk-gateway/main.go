package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/config"
	"github.com/kstaniek/go-stalk-gateway/internal/gateway"
	"github.com/kstaniek/go-stalk-gateway/internal/link"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
	"github.com/kstaniek/go-stalk-gateway/internal/tap"
)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Printf("stalk-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l); err != nil {
		l.Error("exit", "error", err)
		stop()
		os.Exit(1)
	}
}

func loadGatewayConfig(path string) (*config.Config, error) {
	if path == "" {
		c := config.Default()
		return c, c.Validate()
	}
	return config.Load(path)
}

// run wires backend, link, gateway and tap and blocks until ctx ends or a
// component fails.
func run(parent context.Context, cfg *appConfig, l *slog.Logger) error {
	gc, err := loadGatewayConfig(cfg.configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	be, err := initBackend(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("backend init: %w", err)
	}
	var wg sync.WaitGroup
	defer func() {
		cancel()
		be.shutdown()
		wg.Wait()
	}()

	lk := link.New(be).WithLogger(l.With("component", "link"))
	if err := lk.Init(gc.LinkConfig()); err != nil {
		return err
	}
	be.start(ctx, lk, &wg)

	h := initHub(cfg, l)
	specs := gc.ChannelSpecs()
	gw, err := gateway.New(lk, specs, append(gc.GatewayOptions(),
		gateway.WithLogger(l.With("component", "gateway")),
		gateway.WithTick(cfg.tick),
		gateway.WithApplication(logApp{l}),
		gateway.WithControllerReset(be.reset),
		gateway.WithMirror(h.Broadcast),
	)...)
	if err != nil {
		return err
	}
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && gw.Ready() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return runMetricsLogger(gctx, cfg.logMetricsEvery, l) })

	if cfg.tapListen != "" {
		inject := gw.Inject
		if v, ok := be.(interface{ inject(can.Frame) error }); ok {
			inject = v.inject
		}
		srv := tap.New(h,
			tap.WithListenAddr(cfg.tapListen),
			tap.WithInject(inject),
			tap.WithReadOnly(cfg.tapReadOnly),
			tap.WithHandshakeTimeout(cfg.handshakeTO),
			tap.WithReadDeadline(cfg.clientReadTO),
			tap.WithLogger(l.With("component", "tap")),
		)
		g.Go(func() error { return srv.Serve(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
		if cfg.mdnsEnable {
			g.Go(func() error { advertise(gctx, cfg, srv, len(specs), l); return nil })
		}
	}

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		g.Go(func() error {
			<-gctx.Done()
			return httpSrv.Shutdown(context.Background())
		})
	}

	err = g.Wait()
	l.Info("shutdown", "cause", context.Cause(gctx))
	return err
}

// advertise registers the tap over mDNS once it is listening. Failures are
// logged; the gateway keeps running without advertisement.
func advertise(ctx context.Context, cfg *appConfig, srv *tap.Server, channels int, l *slog.Logger) {
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	_, p, err := net.SplitHostPort(srv.Addr())
	port, perr := strconv.Atoi(p)
	if err != nil || perr != nil {
		l.Warn("mdns_bad_addr", "addr", srv.Addr())
		return
	}
	cleanup, err := startMDNS(ctx, cfg, port, channels)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanup()
}
