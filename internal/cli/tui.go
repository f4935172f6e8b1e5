package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vitaminmoo/blesock/internal/session"
	"github.com/vitaminmoo/blesock/internal/transport/sim"
	"github.com/vitaminmoo/blesock/internal/tui"
)

type TuiCmd struct {
	Protocol string `short:"p" default:"blesock-chat" help:"Protocol name"`
	Name     string `short:"n" help:"Player name (default session.player_name, then $USER)"`
	Host     string `default:"sim-host" help:"Advertised name of the simulated host"`
}

// echoBot hosts the simulated session: greets and answers every player
type echoBot struct {
	h     *session.Host
	log   *slog.Logger
	ready chan struct{}
}

func (b *echoBot) OnBluetoothRequire()            {}
func (b *echoBot) OnReady()                       { notify(b.ready) }
func (b *echoBot) OnFail()                        { b.log.Warn("simulated host failed") }
func (b *echoBot) OnPlayerLeave(p session.Player) {}

func (b *echoBot) OnPlayerJoin(p session.Player) {
	b.say(fmt.Sprintf("welcome, %s", p.Name), p.ID)
}

func (b *echoBot) OnReceive(message []byte, sender session.Player) {
	b.say(fmt.Sprintf("%s said %q", sender.Name, message), sender.ID)
}

func (b *echoBot) say(text string, to int) {
	if err := b.h.Send([]byte(text), to); err != nil {
		b.log.Warn("bot reply failed", "to", to, "error", err)
	}
}

func (c *TuiCmd) Run(globals *CLI) error {
	e, err := globals.setup()
	if err != nil {
		return err
	}
	name, err := e.playerName(c.Name)
	if err != nil {
		if name = os.Getenv("USER"); name == "" {
			return err
		}
	}

	// The alt screen owns the terminal; keep engine logs out of it
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.log = quiet
	slog.SetDefault(quiet)

	radio := sim.New(sim.WithMTU(e.cfg.Demo.MTU), sim.WithLogger(quiet))
	defer radio.Close()

	bot := &echoBot{log: quiet, ready: make(chan struct{}, 1)}
	bot.h = session.NewHost(radio.Peripheral(), bot, e.hostOptions()...)
	defer bot.h.Cleanup()
	if err := bot.h.Initialize(c.Protocol, "host"); err != nil {
		return err
	}
	ctx, cancel := interrupted()
	defer cancel()
	if err := wait(ctx, bot.ready, nil); err != nil {
		return err
	}
	if err := bot.h.StartAdvertising(c.Host); err != nil {
		return err
	}

	events := tui.NewEvents()
	g := session.NewGuest(radio.NewCentral(), events, e.centralOptions()...)
	defer g.Cleanup()
	if err := g.Initialize(c.Protocol, name); err != nil {
		return err
	}
	return tui.Run(g, events, tui.Options{Title: c.Protocol + " (simulated)"})
}
