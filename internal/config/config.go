// Package config loads session settings from TOML.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chronologos/rollnet/internal/auth"
	"github.com/chronologos/rollnet/internal/rollback"
)

var ErrInvalid = errors.New("invalid config")

// Config is the complete on-disk configuration. Zero fields take their
// defaults.
type Config struct {
	Passkey  string `toml:"passkey"` // 64 hex chars
	LogLevel string `toml:"log_level"`

	Session   SessionConfig   `toml:"session"`
	Rollback  RollbackConfig  `toml:"rollback"`
	Health    HealthConfig    `toml:"health"`
	Spectator SpectatorConfig `toml:"spectator"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type SessionConfig struct {
	Port     int    `toml:"port"`
	Players  int    `toml:"players"`
	TickRate int    `toml:"tick_rate"` // Hz
	Frames   uint32 `toml:"frames"`    // stop after this many frames, 0 to run until interrupted
	Memory   int    `toml:"memory"`    // scratch bytes of the built-in machine
}

type RollbackConfig struct {
	Capacity    int `toml:"capacity"`
	StallFrames int `toml:"stall_frames"`
	CheckFrames int `toml:"check_frames"`
}

type HealthConfig struct {
	Resyncs int    `toml:"resyncs"`
	Window  uint32 `toml:"window"` // frames
}

type SpectatorConfig struct {
	Max           int    `toml:"max"`
	WebSocketAddr string `toml:"websocket_addr"` // empty disables the WebSocket endpoint
}

type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Session: SessionConfig{
			Players:  2,
			TickRate: 60,
			Memory:   256,
		},
		Rollback: RollbackConfig{
			Capacity:    64,
			StallFrames: 8,
			CheckFrames: 60,
		},
		Health: HealthConfig{
			Resyncs: 3,
			Window:  600,
		},
		Spectator: SpectatorConfig{
			Max: 16,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9100",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}
	return cfg, nil
}

// Validate checks the values that cannot be defaulted. The passkey is only
// required when requirePasskey is set; a host generates one if absent.
func (c *Config) Validate(requirePasskey bool) error {
	switch {
	case c.Session.Players < 1 || c.Session.Players > rollback.MaxPlayers:
		return fmt.Errorf("%w: players %d not in [1,%d]", ErrInvalid, c.Session.Players, rollback.MaxPlayers)
	case c.Rollback.StallFrames < 0 || c.Rollback.CheckFrames < 0:
		return fmt.Errorf("%w: negative frame count", ErrInvalid)
	case c.Rollback.Capacity <= c.Rollback.StallFrames+1:
		return fmt.Errorf("%w: capacity %d must exceed stall_frames %d + 1", ErrInvalid, c.Rollback.Capacity, c.Rollback.StallFrames)
	case c.Session.TickRate <= 0:
		return fmt.Errorf("%w: tick_rate must be positive", ErrInvalid)
	case c.Session.Port < 0 || c.Session.Port > 65535:
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Session.Port)
	case c.Spectator.Max < 0:
		return fmt.Errorf("%w: negative spectator limit", ErrInvalid)
	}
	if c.Passkey != "" || requirePasskey {
		if _, err := auth.ParsePasskey(c.Passkey); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// TickInterval returns the pacing interval between ticks.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Session.TickRate)
}
