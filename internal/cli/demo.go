package cli

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitaminmoo/blesock/internal/frame"
	"github.com/vitaminmoo/blesock/internal/protocol"
	"github.com/vitaminmoo/blesock/internal/session"
	"github.com/vitaminmoo/blesock/internal/transport/sim"
)

const demoProtocol = "blesock-demo"

type DemoCmd struct {
	Guests int     `short:"g" default:"2" help:"Number of simulated guests"`
	Mode   string  `short:"m" enum:"chat,speed" default:"chat" help:"chat or speed"`
	Size   int     `short:"s" default:"64" help:"Payload size in speed mode"`
	Rounds int     `short:"r" default:"20" help:"Round trips in speed mode"`
	Rate   float64 `help:"Round trips per second (default demo.rate)"`
	MTU    int     `help:"Simulated ATT MTU (default demo.mtu)"`
}

// demoHost is the host side: prints chat, echoes speed payloads
type demoHost struct {
	h     *session.Host
	out   io.Writer
	echo  bool
	ready chan struct{}
}

func (d *demoHost) OnBluetoothRequire() {}
func (d *demoHost) OnReady()            { notify(d.ready) }
func (d *demoHost) OnFail()             { fmt.Fprintln(d.out, "host: failed") }

func (d *demoHost) OnPlayerJoin(p session.Player)  { fmt.Fprintf(d.out, "host: %s joined\n", p) }
func (d *demoHost) OnPlayerLeave(p session.Player) { fmt.Fprintf(d.out, "host: %s left\n", p) }

func (d *demoHost) OnReceive(message []byte, sender session.Player) {
	if d.echo {
		if err := d.h.Send(message, sender.ID); err != nil {
			fmt.Fprintf(d.out, "host: echo to %s failed: %v\n", sender, err)
		}
		return
	}
	fmt.Fprintf(d.out, "host <- %s: %s\n", sender.Name, message)
}

// demoGuest joins the first host it sees
type demoGuest struct {
	g       *session.Guest
	name    string
	out     io.Writer
	quiet   bool
	online  chan struct{}
	failed  chan struct{}
	echoes  chan []byte
	mu      sync.Mutex
	joining bool
}

func (d *demoGuest) OnBluetoothRequire() {}

func (d *demoGuest) OnReady() {
	if err := d.g.StartScan(); err != nil {
		fmt.Fprintf(d.out, "%s: scan failed: %v\n", d.name, err)
		notify(d.failed)
	}
}

func (d *demoGuest) OnFail() { notify(d.failed) }

func (d *demoGuest) OnDiscover(name string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.joining {
		return
	}
	d.joining = true
	if err := d.g.Connect(id); err != nil {
		fmt.Fprintf(d.out, "%s: connect failed: %v\n", d.name, err)
		notify(d.failed)
	}
}

func (d *demoGuest) OnConnect()    { notify(d.online) }
func (d *demoGuest) OnDisconnect() {}

func (d *demoGuest) OnPlayerJoin(p session.Player)  {}
func (d *demoGuest) OnPlayerLeave(p session.Player) {}

func (d *demoGuest) OnReceive(message []byte, sender session.Player) {
	if sender.ID == protocol.Host && d.echoes != nil {
		select {
		case d.echoes <- message:
		default:
		}
		return
	}
	if !d.quiet {
		fmt.Fprintf(d.out, "%s <- %s: %s\n", d.name, sender.Name, message)
	}
}

func (c *DemoCmd) Run(globals *CLI) error {
	e, err := globals.setup()
	if err != nil {
		return err
	}
	if c.Guests < 1 || c.Guests >= protocol.MaxPlayers {
		return fmt.Errorf("guests must be between 1 and %d", protocol.MaxPlayers-1)
	}
	if c.Mode == "speed" && (c.Size < 4 || c.Size > frame.MaxMessageSize) {
		return fmt.Errorf("size must be between 4 and %d", frame.MaxMessageSize)
	}
	if c.Rate == 0 {
		c.Rate = e.cfg.Demo.Rate
	}
	if c.MTU == 0 {
		c.MTU = e.cfg.Demo.MTU
	}

	radio := sim.New(sim.WithMTU(c.MTU), sim.WithLogger(e.log))
	defer radio.Close()

	ctx, cancel := interrupted()
	defer cancel()

	host := &demoHost{out: os.Stdout, echo: c.Mode == "speed", ready: make(chan struct{}, 1)}
	host.h = session.NewHost(radio.Peripheral(), host, e.hostOptions()...)
	defer host.h.Cleanup()
	if err := host.h.Initialize(demoProtocol, "host"); err != nil {
		return err
	}
	if err := wait(ctx, host.ready, nil); err != nil {
		return err
	}
	if err := host.h.StartAdvertising("demo"); err != nil {
		return err
	}

	guests := make([]*demoGuest, c.Guests)
	for i := range guests {
		d := &demoGuest{
			name:   fmt.Sprintf("guest-%d", i+1),
			out:    os.Stdout,
			online: make(chan struct{}, 1),
			failed: make(chan struct{}, 1),
		}
		if c.Mode == "speed" {
			d.quiet = true
			if i == 0 {
				d.echoes = make(chan []byte, 1)
			}
		}
		d.g = session.NewGuest(radio.NewCentral(), d, e.centralOptions()...)
		defer d.g.Cleanup()
		if err := d.g.Initialize(demoProtocol, d.name); err != nil {
			return err
		}
		guests[i] = d
	}
	for _, d := range guests {
		if err := wait(ctx, d.online, d.failed); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		fmt.Printf("%s online as %s\n", d.name, d.g.LocalPlayer())
	}

	if c.Mode == "speed" {
		return c.speed(ctx, guests[0])
	}
	return c.chat(ctx, host.h, guests)
}

func (c *DemoCmd) chat(ctx context.Context, h *session.Host, guests []*demoGuest) error {
	if err := h.Send([]byte("welcome"), protocol.Others); err != nil {
		return err
	}
	for _, d := range guests {
		msg := fmt.Sprintf("hello from %s", d.name)
		if err := d.g.Send([]byte(msg), protocol.Others); err != nil {
			return err
		}
	}
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
	for _, d := range guests {
		if err := d.g.Disconnect(); err != nil {
			return err
		}
	}
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return nil
}

// speed sends Rounds payloads from d to every other player and times the
// host's echo of each
func (c *DemoCmd) speed(ctx context.Context, d *demoGuest) error {
	limiter := rate.NewLimiter(rate.Limit(c.Rate), 1)
	payload := make([]byte, c.Size)

	var total, best, worst time.Duration
	start := time.Now()
	for round := 0; round < c.Rounds; round++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(payload, uint32(round))
		sent := time.Now()
		if err := d.g.Send(payload, protocol.Others); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		for {
			var echo []byte
			select {
			case echo = <-d.echoes:
			case <-d.failed:
				return fmt.Errorf("round %d: connection lost", round)
			case <-time.After(5 * time.Second):
				return fmt.Errorf("round %d: no echo", round)
			case <-ctx.Done():
				return ctx.Err()
			}
			if len(echo) >= 4 && binary.LittleEndian.Uint32(echo) == uint32(round) {
				break
			}
		}
		rtt := time.Since(sent)
		total += rtt
		if best == 0 || rtt < best {
			best = rtt
		}
		if rtt > worst {
			worst = rtt
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("\n%d round trips of %d bytes in %s\n", c.Rounds, c.Size, elapsed.Round(time.Millisecond))
	if c.Rounds > 0 {
		fmt.Printf("  RTT min/avg/max: %s / %s / %s\n",
			best.Round(time.Microsecond),
			(total / time.Duration(c.Rounds)).Round(time.Microsecond),
			worst.Round(time.Microsecond))
		fmt.Printf("  Echo throughput: %.0f B/s\n", float64(c.Rounds*c.Size)/elapsed.Seconds())
	}
	return nil
}

// wait blocks until ok fires, failing early on fail or interrupt
func wait(ctx context.Context, ok, fail chan struct{}) error {
	select {
	case <-ok:
		return nil
	case <-fail:
		return fmt.Errorf("failed")
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
