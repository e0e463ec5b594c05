// Package config loads the channel table and protocol parameters from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/gateway"
	"github.com/kstaniek/go-stalk-gateway/internal/isotp"
	"github.com/kstaniek/go-stalk-gateway/internal/link"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the on-disk gateway configuration. Timer values are in ticks.
type Config struct {
	Link     LinkConfig      `yaml:"link"`
	Timing   TimingConfig    `yaml:"timing"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Channels []ChannelConfig `yaml:"channels"`
}

type LinkConfig struct {
	TxTimeout      int  `yaml:"tx_timeout"`
	PurgeOnTimeout bool `yaml:"purge_on_timeout"`
	RxQueue        int  `yaml:"rx_queue"`
	TxQueue        int  `yaml:"tx_queue"`
	EchoQueue      int  `yaml:"echo_queue"`
}

type TimingConfig struct {
	NBs        int `yaml:"n_bs"`
	TLA        int `yaml:"tl_a"`
	TLB        int `yaml:"tl_b"`
	MaxRetries int `yaml:"max_retries"`
}

type GatewayConfig struct {
	BusOffHoldoff int `yaml:"busoff_holdoff"`
	SleepAfter    int `yaml:"sleep_after"` // 0 disables bus sleep detection
	InjectQueue   int `yaml:"inject_queue"`
}

type ChannelConfig struct {
	ID        uint16 `yaml:"id"`
	Name      string `yaml:"name"`
	TxID      uint16 `yaml:"tx_id"`
	RxID      uint16 `yaml:"rx_id"`
	Buffer    int    `yaml:"buffer"`
	Direction string `yaml:"direction"` // rx, tx or bi
	Enabled   bool   `yaml:"enabled"`
	Echo      bool   `yaml:"echo"`
}

// Default returns the vehicle configuration: the display channel transmits
// to the instrument cluster, diagnostics is bidirectional and programming
// is off until enabled at runtime.
func Default() *Config {
	lc := link.DefaultConfig()
	t := isotp.DefaultTiming()
	return &Config{
		Link: LinkConfig{
			TxTimeout:      lc.TxTimeout,
			PurgeOnTimeout: lc.PurgeOnTimeout,
			RxQueue:        lc.RxQueue,
			TxQueue:        lc.TxQueue,
			EchoQueue:      lc.EchoQueue,
		},
		Timing: TimingConfig{NBs: t.NBs, TLA: t.TLA, TLB: t.TLB, MaxRetries: t.MaxRetries},
		Gateway: GatewayConfig{
			BusOffHoldoff: 250,
			SleepAfter:    10000,
			InjectQueue:   64,
		},
		Channels: []ChannelConfig{
			{ID: 1, Name: "display", TxID: 0x6C1, RxID: 0x2C1, Buffer: 128, Direction: "tx", Enabled: true},
			{ID: 2, Name: "diags", TxID: 0x641, RxID: 0x241, Buffer: 64, Direction: "bi", Enabled: true},
			{ID: 3, Name: "program", TxID: 0x246, RxID: 0x646, Buffer: 64, Direction: "bi"},
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value; a channels list replaces the default table.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and uniqueness of the channel table.
func (c *Config) Validate() error {
	if c.Link.TxTimeout <= 0 {
		return fmt.Errorf("%w: link.tx_timeout must be > 0", ErrInvalid)
	}
	if c.Link.RxQueue <= 0 || c.Link.TxQueue <= 0 || c.Link.EchoQueue <= 0 {
		return fmt.Errorf("%w: link queue sizes must be > 0", ErrInvalid)
	}
	if c.Timing.NBs <= 0 || c.Timing.TLA <= 0 || c.Timing.TLB <= 0 || c.Timing.MaxRetries <= 0 {
		return fmt.Errorf("%w: timing values must be > 0", ErrInvalid)
	}
	if c.Gateway.BusOffHoldoff < 0 || c.Gateway.SleepAfter < 0 || c.Gateway.InjectQueue <= 0 {
		return fmt.Errorf("%w: gateway settings out of range", ErrInvalid)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalid)
	}
	ids := map[uint16]string{}
	rx := map[uint16]string{}
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("%w: channel %d has no name", ErrInvalid, ch.ID)
		}
		if ch.ID == 0 {
			return fmt.Errorf("%w: channel %s: id must be > 0", ErrInvalid, ch.Name)
		}
		if ch.TxID == 0 || ch.RxID == 0 || ch.TxID > can.CAN_SFF_MASK || ch.RxID > can.CAN_SFF_MASK {
			return fmt.Errorf("%w: channel %s: identifiers must be 11-bit and non-zero", ErrInvalid, ch.Name)
		}
		if ch.Buffer <= 0 || ch.Buffer > isotp.MaxPacket {
			return fmt.Errorf("%w: channel %s: buffer must be 1..%d", ErrInvalid, ch.Name, isotp.MaxPacket)
		}
		if _, err := isotp.ParseDirection(ch.Direction); err != nil {
			return fmt.Errorf("%w: channel %s: %v", ErrInvalid, ch.Name, err)
		}
		if other, dup := ids[ch.ID]; dup {
			return fmt.Errorf("%w: channel id %d used by %s and %s", ErrInvalid, ch.ID, other, ch.Name)
		}
		if other, dup := rx[ch.RxID]; dup {
			return fmt.Errorf("%w: rx_id 0x%03X used by %s and %s", ErrInvalid, ch.RxID, other, ch.Name)
		}
		ids[ch.ID] = ch.Name
		rx[ch.RxID] = ch.Name
	}
	return nil
}

func (c *Config) LinkConfig() link.Config {
	return link.Config{
		TxTimeout:      c.Link.TxTimeout,
		PurgeOnTimeout: c.Link.PurgeOnTimeout,
		RxQueue:        c.Link.RxQueue,
		TxQueue:        c.Link.TxQueue,
		EchoQueue:      c.Link.EchoQueue,
	}
}

func (c *Config) IsoTPTiming() isotp.Timing {
	return isotp.Timing{NBs: c.Timing.NBs, TLA: c.Timing.TLA, TLB: c.Timing.TLB, MaxRetries: c.Timing.MaxRetries}
}

// ChannelSpecs converts the table for gateway.New. Call Validate first.
func (c *Config) ChannelSpecs() []gateway.ChannelSpec {
	out := make([]gateway.ChannelSpec, 0, len(c.Channels))
	for _, ch := range c.Channels {
		dir, _ := isotp.ParseDirection(ch.Direction)
		out = append(out, gateway.ChannelSpec{
			ID:      ch.ID,
			Name:    ch.Name,
			TxID:    ch.TxID,
			RxID:    ch.RxID,
			Buffer:  ch.Buffer,
			Dir:     dir,
			Enabled: ch.Enabled,
			Echo:    ch.Echo,
		})
	}
	return out
}

// GatewayOptions turns the timing and gateway sections into options.
func (c *Config) GatewayOptions() []gateway.Option {
	return []gateway.Option{
		gateway.WithTiming(c.IsoTPTiming()),
		gateway.WithBusOffHoldoff(c.Gateway.BusOffHoldoff),
		gateway.WithSleepAfter(c.Gateway.SleepAfter),
		gateway.WithInjectQueue(c.Gateway.InjectQueue),
	}
}
