// Package config loads TOML configuration for the device emulator and the
// host-side window.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the full file layout. Sections not relevant to the chosen
// command may be left out.
type Config struct {
	Log    Log    `toml:"log"`
	Device Device `toml:"device"`
	Window Window `toml:"window"`
}

// Log configures structured logging.
type Log struct {
	// Level is one of trace, debug, info, warn, error. Empty means info.
	Level string `toml:"level"`
}

// Device configures the emulated device.
type Device struct {
	Port            int      `toml:"port"`
	DownstreamPorts []uint32 `toml:"downstream_ports"`
}

// Window configures a host-side interleaved memory window.
type Window struct {
	Base        uint64   `toml:"base"`
	Size        uint64   `toml:"size"`
	Granularity uint64   `toml:"granularity"`
	Targets     []Target `toml:"targets"`
}

// Target is one interleave member endpoint.
type Target struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// DownstreamPort is the device port the link binds to at handshake.
	DownstreamPort uint32 `toml:"downstream_port"`
	// QUIC selects the QUIC transport for this link; default is TCP.
	QUIC bool `toml:"quic"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Device.Port < 0 || c.Device.Port > 65535 {
		return fmt.Errorf("%w: device port %d", ErrInvalid, c.Device.Port)
	}
	for _, t := range c.Window.Targets {
		if t.Host == "" {
			return fmt.Errorf("%w: window target without host", ErrInvalid)
		}
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("%w: window target port %d", ErrInvalid, t.Port)
		}
	}
	return nil
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() (zerolog.Level, error) {
	if c.Log.Level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	return lvl, nil
}
