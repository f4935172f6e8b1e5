// Package cli defines the blesock command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vitaminmoo/blesock/internal/ble"
	"github.com/vitaminmoo/blesock/internal/config"
	"github.com/vitaminmoo/blesock/internal/radio"
	"github.com/vitaminmoo/blesock/internal/session"
)

// CLI is the root command structure for blesock.
type CLI struct {
	Verbose bool   `short:"v" help:"Enable verbose debug output"`
	Config  string `short:"c" type:"path" help:"Configuration file (default ~/.blesock/config.yaml)"`

	// Default command - TUI against a simulated host
	Tui TuiCmd `cmd:"" default:"withargs" help:"Chat against an in-process simulated host (default)"`

	Uuids  UuidsCmd  `cmd:"" help:"Print the service identity derived from a protocol name"`
	Scan   ScanCmd   `cmd:"" help:"Scan for hosts of a protocol"`
	Join   JoinCmd   `cmd:"" help:"Join a host's session"`
	Demo   DemoCmd   `cmd:"" help:"Run a host and guests on the simulated radio"`
	Bridge BridgeCmd `cmd:"" help:"Expose an engine over WebSocket"`
	Hosts  HostsCmd  `cmd:"" help:"Remembered hosts"`
}

// env is what every command starts from
type env struct {
	cfg config.Config
	log *slog.Logger
}

// setup loads the configuration and installs the process logger
func (c *CLI) setup() (*env, error) {
	config.Verbose = c.Verbose

	path := c.Config
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log, err := config.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	config.Debugf("Loaded configuration from %s", path)
	return &env{cfg: cfg, log: log}, nil
}

// centralOptions applies the engine section to a guest
func (e *env) centralOptions() []session.Option {
	return []session.Option{
		session.WithLogger(e.log),
		session.WithCentralConfig(e.cfg.Central()),
	}
}

// hostOptions applies the engine and session sections to a host
func (e *env) hostOptions() []session.Option {
	return []session.Option{
		session.WithLogger(e.log),
		session.WithHubConfig(e.cfg.Hub()),
		session.WithMaxPlayers(e.cfg.Session.MaxPlayers),
	}
}

// openBLE returns a tinygo transport, watching adapter power over D-Bus when
// BlueZ is reachable
func (e *env) openBLE() (*ble.Transport, func()) {
	mon, err := radio.Open(e.cfg.Radio.Adapter, radio.WithLogger(e.log))
	if err != nil {
		e.log.Warn("adapter power not monitored", "adapter", e.cfg.Radio.Adapter, "error", err)
		return ble.New(ble.WithLogger(e.log)), func() {}
	}
	if !mon.Powered() {
		fmt.Fprintf(os.Stderr, "Bluetooth adapter %s is off\n", e.cfg.Radio.Adapter)
	}
	t := ble.New(ble.WithLogger(e.log), ble.WithPowerSource(mon))
	return t, func() { mon.Close() }
}

// playerName picks the flag, then the configured name
func (e *env) playerName(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if e.cfg.Session.PlayerName != "" {
		return e.cfg.Session.PlayerName, nil
	}
	return "", fmt.Errorf("player name required (--name or session.player_name)")
}

// interrupted returns a context cancelled by SIGINT or SIGTERM
func interrupted() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
