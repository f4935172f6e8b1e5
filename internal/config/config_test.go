package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20*time.Second, cfg.Central().AcceptanceTimeout)
	assert.Equal(t, 19*time.Second, cfg.Hub().AcceptanceTimeout)
	assert.Equal(t, 512, cfg.Central().RequestMTU)
	assert.Equal(t, 8192, cfg.Hub().BufferSize)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
engine:
  request_mtu: 247
  hub_acceptance_timeout: 5s
session:
  max_players: 4
  player_name: ada
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 247, cfg.Engine.RequestMTU)
	assert.Equal(t, 5*time.Second, cfg.Hub().AcceptanceTimeout)
	assert.Equal(t, 20*time.Second, cfg.Central().AcceptanceTimeout)
	assert.Equal(t, 4, cfg.Session.MaxPlayers)
	assert.Equal(t, "ada", cfg.Session.PlayerName)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unterminated"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLESOCK_LOG_FORMAT", "json")
	t.Setenv("BLESOCK_BRIDGE_LISTEN", ":9999")
	t.Setenv("BLESOCK_ADAPTER", "hci1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9999", cfg.Bridge.Listen)
	assert.Equal(t, "hci1", cfg.Radio.Adapter)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"interval", func(c *Config) { c.Engine.UpdateInterval = 0 }},
		{"mtu small", func(c *Config) { c.Engine.RequestMTU = 7 }},
		{"mtu large", func(c *Config) { c.Engine.RequestMTU = 600 }},
		{"buffer", func(c *Config) { c.Engine.BufferSize = 4096 }},
		{"players", func(c *Config) { c.Session.MaxPlayers = 17 }},
		{"player name", func(c *Config) { c.Session.PlayerName = "abcdefghijklmnopqrstuvwxyz0123456" }},
		{"write timeout", func(c *Config) { c.Bridge.WriteTimeout = 0 }},
		{"rate", func(c *Config) { c.Demo.Rate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger(&buf, "info", "xml")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
