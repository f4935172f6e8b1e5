package cli

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vitaminmoo/blesock/internal/protocol"
	"github.com/vitaminmoo/blesock/internal/session"
	"github.com/vitaminmoo/blesock/internal/store"
	"github.com/vitaminmoo/blesock/internal/tui"
	"github.com/vitaminmoo/blesock/internal/util"
)

type JoinCmd struct {
	Protocol string `arg:"" help:"Protocol name shared by host and guests"`
	Name     string `short:"n" help:"Player name (default session.player_name)"`
	Host     string `help:"Advertised name of the host to join (default first found)"`
	Tui      bool   `help:"Use the chat TUI instead of stdin/stdout"`
}

func (c *JoinCmd) Run(globals *CLI) error {
	e, err := globals.setup()
	if err != nil {
		return err
	}
	name, err := e.playerName(c.Name)
	if err != nil {
		return err
	}

	t, closeRadio := e.openBLE()
	defer closeRadio()

	hosts, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	rec := &recorder{store: hosts, protocol: c.Protocol, log: e.log}

	if c.Tui {
		events := tui.NewEvents()
		g := session.NewGuest(t, events, e.centralOptions()...)
		defer g.Cleanup()
		if err := g.Initialize(c.Protocol, name); err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		return tui.Run(g, events, tui.Options{
			Title: c.Protocol,
			OnJoin: func(h tui.HostEntry, local session.Player, players []session.Player) {
				rec.remember(g, h.ID, h.Name, local, players)
			},
		})
	}

	chat := &lineChat{
		out:  os.Stdout,
		host: c.Host,
		rec:  rec,
		done: make(chan error, 1),
	}
	chat.g = session.NewGuest(t, chat, e.centralOptions()...)
	defer chat.g.Cleanup()
	if err := chat.g.Initialize(c.Protocol, name); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	ctx, cancel := interrupted()
	defer cancel()

	go chat.readLines(os.Stdin)

	select {
	case err := <-chat.done:
		return err
	case <-ctx.Done():
		if err := chat.g.Disconnect(); err == nil {
			// Give the host a moment to see the leave
			time.Sleep(200 * time.Millisecond)
		}
		return nil
	}
}

// recorder remembers every host the guest was admitted to
type recorder struct {
	store    *store.Store
	protocol string
	log      *slog.Logger
}

func (r *recorder) remember(g *session.Guest, deviceID int, hostName string, local session.Player, players []session.Player) {
	d, ok := g.Engine().Device(deviceID)
	if !ok {
		r.log.Warn("joined host not in scan results", "device", deviceID)
		return
	}
	names := make([]string, len(players))
	for i, p := range players {
		names[i] = p.Name
	}
	visit := store.Visit{
		Timestamp:  time.Now(),
		PlayerName: local.Name,
		PlayerID:   local.ID,
		Players:    names,
	}
	hash, isNew, err := r.store.Remember(r.protocol, hostName, d.Address, visit)
	if err != nil {
		r.log.Warn("failed to remember host", "host", hostName, "error", err)
		return
	}
	r.log.Debug("remembered host", "hash", store.ShortHash(hash), "new", isNew)
}

// lineChat is a GuestHandler printing the conversation as lines
type lineChat struct {
	g    *session.Guest
	out  io.Writer
	host string
	rec  *recorder
	done chan error

	mu      sync.Mutex
	target  int
	joining string
}

func (l *lineChat) printf(format string, args ...any) {
	fmt.Fprintf(l.out, format+"\n", args...)
}

func (l *lineChat) finish(err error) {
	select {
	case l.done <- err:
	default:
	}
}

func (l *lineChat) OnBluetoothRequire() {
	l.printf("* Bluetooth is off, waiting for it to come back")
}

func (l *lineChat) OnReady() {
	if err := l.g.StartScan(); err != nil {
		l.finish(fmt.Errorf("failed to start scan: %w", err))
		return
	}
	l.printf("* Looking for hosts...")
}

func (l *lineChat) OnFail() {
	l.mu.Lock()
	joining := l.joining
	l.mu.Unlock()
	if joining != "" {
		l.finish(fmt.Errorf("could not join %s", joining))
		return
	}
	l.finish(fmt.Errorf("bluetooth failure"))
}

func (l *lineChat) OnDiscover(name string, id int) {
	if l.host != "" && name != l.host {
		l.printf("* Skipping %s", name)
		return
	}
	l.mu.Lock()
	if l.joining != "" {
		l.mu.Unlock()
		return
	}
	l.joining = name
	l.target = id
	l.mu.Unlock()

	l.printf("* Joining %s...", name)
	if err := l.g.Connect(id); err != nil {
		l.finish(fmt.Errorf("failed to connect: %w", err))
	}
}

func (l *lineChat) OnConnect() {
	l.mu.Lock()
	name, id := l.joining, l.target
	l.mu.Unlock()

	local := l.g.LocalPlayer()
	players := l.g.Players()
	names := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, p.Name)
	}
	l.printf("* Joined %s as %s (%s)", name, local.Name, strings.Join(names, ", "))
	l.rec.remember(l.g, id, name, local, players)
}

func (l *lineChat) OnDisconnect() {
	l.printf("* Disconnected")
	l.finish(nil)
}

func (l *lineChat) OnPlayerJoin(p session.Player)  { l.printf("* %s joined", p.Name) }
func (l *lineChat) OnPlayerLeave(p session.Player) { l.printf("* %s left", p.Name) }

func (l *lineChat) OnReceive(message []byte, sender session.Player) {
	l.printf("%s: %s", sender.Name, util.Preview(message, len(message)))
}

// readLines sends every stdin line to the other players
func (l *lineChat) readLines(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := l.g.Send([]byte(line), protocol.Others); err != nil {
			l.printf("* Not sent: %v", err)
		}
	}
	if l.g.State() == session.GuestOnline {
		l.g.Disconnect()
	} else {
		l.finish(nil)
	}
}
