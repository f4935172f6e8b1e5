package cli

import (
	"fmt"
	"time"

	"github.com/vitaminmoo/blesock/internal/central"
	"github.com/vitaminmoo/blesock/internal/protocol"
)

type ScanCmd struct {
	Protocol string        `arg:"" help:"Protocol name to scan for"`
	Timeout  time.Duration `short:"t" default:"10s" help:"How long to scan"`
}

// scanSink reports central events on channels
type scanSink struct {
	ready     chan struct{}
	bluetooth chan struct{}
	found     chan central.Device
	c         *central.Central
}

func (s *scanSink) OnReady() { notify(s.ready) }

func (s *scanSink) OnBluetoothRequire() { notify(s.bluetooth) }

func (s *scanSink) OnDiscover(name string, id int) {
	d, ok := s.c.Device(id)
	if !ok {
		return
	}
	select {
	case s.found <- d:
	default:
	}
}

func (s *scanSink) OnFail()                            {}
func (s *scanSink) OnConnect()                         {}
func (s *scanSink) OnDisconnect()                      {}
func (s *scanSink) OnReceive(message []byte, from int) {}

func (c *ScanCmd) Run(globals *CLI) error {
	e, err := globals.setup()
	if err != nil {
		return err
	}
	id, _, err := protocol.DeriveIdentity(c.Protocol)
	if err != nil {
		return err
	}

	t, closeRadio := e.openBLE()
	defer closeRadio()

	sink := &scanSink{
		ready:     make(chan struct{}, 1),
		bluetooth: make(chan struct{}, 1),
		found:     make(chan central.Device, 64),
	}
	sink.c = central.New(t, sink, central.WithLogger(e.log), central.WithConfig(e.cfg.Central()))
	defer sink.c.Cleanup()

	service, upload, download := id.Strings()
	if err := sink.c.Initialize(service, upload, download); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	ctx, cancel := interrupted()
	defer cancel()

	select {
	case <-sink.ready:
	case <-sink.bluetooth:
		return fmt.Errorf("bluetooth is off")
	case <-ctx.Done():
		return nil
	}

	if err := sink.c.StartScan(); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	fmt.Printf("Scanning for %s hosts (%s)...\n", c.Protocol, c.Timeout)

	deadline := time.After(c.Timeout)
	found := 0
	for {
		select {
		case d := <-sink.found:
			found++
			fmt.Printf("  %-20s  %s\n", d.Name, d.Address)
		case <-sink.bluetooth:
			return fmt.Errorf("bluetooth turned off")
		case <-deadline:
			fmt.Printf("\nFound %d host(s)\n", found)
			return sink.c.StopScan()
		case <-ctx.Done():
			return sink.c.StopScan()
		}
	}
}

// notify does a non-blocking send on a one-slot channel
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
