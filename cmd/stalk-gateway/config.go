package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kstaniek/go-stalk-gateway/internal/serial"
)

const envPrefix = "STALK_GW_"

type appConfig struct {
	backend         string
	canIf           string
	serialDev       string
	baud            int
	bitrate         int
	serialReadTO    time.Duration
	statusInterval  time.Duration
	openAttempts    uint
	configPath      string
	tick            time.Duration
	tapListen       string
	tapReadOnly     bool
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	showVersion     bool
}

// newFlagSet registers every option on a fresh FlagSet bound to cfg.
func newFlagSet(cfg *appConfig, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("stalk-gateway", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|serial|virtual")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when -backend=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "SLCAN serial device path")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.IntVar(&cfg.bitrate, "bitrate", 500, "CAN bitrate in kbit/s for SLCAN adapters")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.DurationVar(&cfg.statusInterval, "serial-status-interval", 100*time.Millisecond, "SLCAN status flag poll interval (0 disables)")
	fs.UintVar(&cfg.openAttempts, "open-attempts", 5, "Backend open attempts before giving up")
	fs.StringVar(&cfg.configPath, "config", "", "YAML channel/link configuration (empty uses built-in defaults)")
	fs.DurationVar(&cfg.tick, "tick", time.Millisecond, "Gateway loop period; protocol timers count ticks")
	fs.StringVar(&cfg.tapListen, "tap-listen", ":20000", "Cannelloni bus tap listen address (empty disables)")
	fs.BoolVar(&cfg.tapReadOnly, "tap-readonly", false, "Ignore frames sent by tap clients")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client tap buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Tap backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous tap clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Tap client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Tap per-connection read deadline")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the bus tap over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default stalk-gateway-<hostname>)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	return fs
}

// parseConfig parses args, then fills every flag not given on the command
// line from STALK_GW_<FLAG_NAME> (dashes become underscores), then validates.
func parseConfig(args []string, lookupEnv func(string) (string, bool), out io.Writer) (*appConfig, error) {
	cfg := &appConfig{}
	fs := newFlagSet(cfg, out)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(fs, lookupEnv); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets flags from the environment unless they were given
// explicitly. Empty values are ignored.
func applyEnvOverrides(fs *flag.FlagSet, lookupEnv func(string) (string, bool)) error {
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || f.Name == "version" {
			return
		}
		v, ok := lookupEnv(envName(f.Name))
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// validate checks values and ranges only; it opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan":
		if c.canIf == "" {
			return errors.New("can-if must be set for the socketcan backend")
		}
	case "serial":
		if c.serialDev == "" {
			return errors.New("serial must be set for the serial backend")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
		if c.statusInterval < 0 {
			return errors.New("serial-status-interval must be >= 0")
		}
		if _, err := serial.SetupCommands(c.bitrate); err != nil {
			return err
		}
	case "virtual":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.bitrate <= 0 {
		return fmt.Errorf("bitrate must be > 0 (got %d)", c.bitrate)
	}
	if c.openAttempts == 0 {
		return errors.New("open-attempts must be > 0")
	}
	if c.tick <= 0 {
		return errors.New("tick must be > 0")
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	if c.mdnsEnable && c.tapListen == "" {
		return errors.New("mdns-enable requires tap-listen")
	}
	return nil
}
