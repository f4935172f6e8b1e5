// Package config loads the blesock configuration file, applies
// environment overrides and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitaminmoo/blesock/internal/central"
	"github.com/vitaminmoo/blesock/internal/frame"
	"github.com/vitaminmoo/blesock/internal/hub"
	"github.com/vitaminmoo/blesock/internal/protocol"
)

// Verbose enables debug output when true
var Verbose bool

// Debugf logs a debug message when Verbose is true
func Debugf(format string, args ...any) {
	if Verbose {
		slog.Debug(fmt.Sprintf(format, args...))
	}
}

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the on-disk configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Session SessionConfig `yaml:"session"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Radio   RadioConfig   `yaml:"radio"`
	Demo    DemoConfig    `yaml:"demo"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// EngineConfig holds the timing and sizing of both engines
type EngineConfig struct {
	UpdateInterval           time.Duration `yaml:"update_interval"`
	CentralAcceptanceTimeout time.Duration `yaml:"central_acceptance_timeout"`
	HubAcceptanceTimeout     time.Duration `yaml:"hub_acceptance_timeout"`
	RequestMTU               int           `yaml:"request_mtu"`
	BufferSize               int           `yaml:"buffer_size"`
}

// SessionConfig holds session defaults
type SessionConfig struct {
	MaxPlayers int    `yaml:"max_players"`
	PlayerName string `yaml:"player_name,omitempty"`
}

// BridgeConfig configures the WebSocket bridge
type BridgeConfig struct {
	Listen       string        `yaml:"listen"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RadioConfig selects the BlueZ adapter
type RadioConfig struct {
	Adapter string `yaml:"adapter"`
}

// DemoConfig tunes the simulated demo
type DemoConfig struct {
	Rate float64 `yaml:"rate"` // messages per second per guest in speed mode
	MTU  int     `yaml:"mtu"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			UpdateInterval:           time.Second,
			CentralAcceptanceTimeout: 20 * time.Second,
			HubAcceptanceTimeout:     19 * time.Second,
			RequestMTU:               512,
			BufferSize:               frame.BufferSize,
		},
		Session: SessionConfig{MaxPlayers: 0},
		Bridge:  BridgeConfig{Listen: "127.0.0.1:8765", WriteTimeout: 5 * time.Second},
		Radio:   RadioConfig{Adapter: "hci0"},
		Demo:    DemoConfig{Rate: 20, MTU: 185},
	}
}

// DefaultPath returns the default config path (~/.blesock/config.yaml).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".blesock", "config.yaml"), nil
}

// Load reads path over the defaults, applies BLESOCK_* overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("BLESOCK_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("BLESOCK_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookup("BLESOCK_BRIDGE_LISTEN"); ok {
		c.Bridge.Listen = v
	}
	if v, ok := lookup("BLESOCK_ADAPTER"); ok {
		c.Radio.Adapter = v
	}
}

// Validate checks ranges
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Log.Format)
	}
	e := c.Engine
	if e.UpdateInterval <= 0 || e.CentralAcceptanceTimeout <= 0 || e.HubAcceptanceTimeout <= 0 {
		return fmt.Errorf("%w: engine durations must be positive", ErrInvalidConfig)
	}
	if e.RequestMTU < frame.MinChunkSize+3 || e.RequestMTU > 517 {
		return fmt.Errorf("%w: request_mtu %d", ErrInvalidConfig, e.RequestMTU)
	}
	if e.BufferSize < frame.MaxMessageSize+frame.HeaderSize {
		return fmt.Errorf("%w: buffer_size %d below one full frame", ErrInvalidConfig, e.BufferSize)
	}
	if c.Session.MaxPlayers < 0 || c.Session.MaxPlayers > protocol.MaxPlayers {
		return fmt.Errorf("%w: max_players %d", ErrInvalidConfig, c.Session.MaxPlayers)
	}
	if c.Session.PlayerName != "" && !protocol.ValidPlayerName(c.Session.PlayerName) {
		return fmt.Errorf("%w: player_name %q", ErrInvalidConfig, c.Session.PlayerName)
	}
	if c.Bridge.WriteTimeout <= 0 {
		return fmt.Errorf("%w: bridge write_timeout", ErrInvalidConfig)
	}
	if c.Demo.Rate <= 0 {
		return fmt.Errorf("%w: demo rate %v", ErrInvalidConfig, c.Demo.Rate)
	}
	return nil
}

// Central converts the engine section for the central role
func (c Config) Central() central.Config {
	return central.Config{
		UpdateInterval:    c.Engine.UpdateInterval,
		AcceptanceTimeout: c.Engine.CentralAcceptanceTimeout,
		RequestMTU:        c.Engine.RequestMTU,
		BufferSize:        c.Engine.BufferSize,
	}
}

// Hub converts the engine section for the hub role
func (c Config) Hub() hub.Config {
	return hub.Config{
		UpdateInterval:    c.Engine.UpdateInterval,
		AcceptanceTimeout: c.Engine.HubAcceptanceTimeout,
		BufferSize:        c.Engine.BufferSize,
	}
}

// ParseLevel maps a level name onto slog
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
}

// NewLogger builds a text or JSON logger on w. Verbose forces debug level.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if Verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, format)
}
