// Package ble binds the central engine to a real radio through
// tinygo.org/x/bluetooth.
package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vitaminmoo/blesock/internal/central"
	"github.com/vitaminmoo/blesock/internal/config"
	"github.com/vitaminmoo/blesock/internal/link"
	"github.com/vitaminmoo/blesock/internal/util"
)

var (
	// ErrNotConnected is returned for an unknown or released handle
	ErrNotConnected = errors.New("not connected")

	// ErrNoCharacteristic is returned for a characteristic the peer lacks
	ErrNoCharacteristic = errors.New("characteristic not found")
)

// readBufferSize bounds a single characteristic read
const readBufferSize = 512

// PowerSource reports adapter power, typically a radio.Monitor
type PowerSource interface {
	Powered() bool
	Subscribe(f func(powered bool)) (cancel func())
}

// Transport implements central.Transport on the default tinygo adapter.
// Blocking radio calls run on a per-link worker; every event is delivered
// from a single queue.
type Transport struct {
	adapter adapter
	power   PowerSource
	log     *slog.Logger

	mu          sync.Mutex
	events      central.Events
	queue       *worker
	cancelPower func()
	enabled     bool
	scanning    bool
	links       map[link.Handle]*conn
	next        link.Handle
}

type conn struct {
	handle   link.Handle
	address  string
	dev      device
	services map[uuid.UUID][]characteristic
	ops      *worker
	up       bool
	// dropped is set once the radio link was closed by Disconnect
	dropped bool
	// wantMTU is the MTU asked for by RequestMTU, reported after discovery
	wantMTU int
}

var _ central.Transport = (*Transport)(nil)

// Option configures a Transport
type Option func(*Transport)

// WithPowerSource reports power from src instead of assuming the adapter
// stays on once enabled
func WithPowerSource(src PowerSource) Option {
	return func(t *Transport) { t.power = src }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// New returns a transport on bluetooth.DefaultAdapter
func New(opts ...Option) *Transport {
	return newTransport(newTinygoAdapter(), opts...)
}

func newTransport(a adapter, opts ...Option) *Transport {
	t := &Transport{
		adapter: a,
		log:     slog.Default(),
		links:   make(map[link.Handle]*conn),
		next:    1,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("transport", "ble")
	return t
}

func (t *Transport) Open(events central.Events) error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", link.ErrUnavailable, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = events
	t.enabled = true
	t.queue = newWorker()
	if t.power != nil {
		t.cancelPower = t.power.Subscribe(func(on bool) {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.emit(func(ev central.Events) { ev.PowerChanged(on) })
		})
	}
	t.adapter.OnDisconnect(t.lost)
	return nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelPower != nil {
		t.cancelPower()
		t.cancelPower = nil
	}
	if t.scanning {
		t.scanning = false
		go t.adapter.StopScan()
	}
	for h, c := range t.links {
		c.ops.stop()
		t.drop(c)
		delete(t.links, h)
	}
	if t.queue != nil {
		t.queue.stop()
		t.queue = nil
	}
	t.events = nil
}

func (t *Transport) Enabled() bool {
	if t.power != nil {
		return t.power.Powered()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// emit queues an event. Called with t.mu held.
func (t *Transport) emit(f func(central.Events)) {
	q, ev := t.queue, t.events
	if q == nil || ev == nil {
		return
	}
	q.do(func() { f(ev) })
}

func (t *Transport) StartScan(service uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanning {
		return nil
	}
	t.scanning = true
	go func() {
		err := t.adapter.Scan(service, func(address, name string) {
			config.Debugf("  Found: '%s' (%s)", name, address)
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.scanning {
				t.emit(func(ev central.Events) { ev.DeviceDiscovered(central.Device{Address: address, Name: name}) })
			}
		})
		t.mu.Lock()
		defer t.mu.Unlock()
		wasScanning := t.scanning
		t.scanning = false
		if err != nil && wasScanning {
			t.emit(func(ev central.Events) { ev.ScanFailed(err) })
		}
	}()
	return nil
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	if !t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = false
	t.mu.Unlock()
	return t.adapter.StopScan()
}

func (t *Transport) Connect(address string) (link.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &conn{handle: t.next, address: address, ops: newWorker()}
	t.next++
	t.links[c.handle] = c

	c.ops.do(func() {
		t.log.Debug("connecting", "address", address, "handle", c.handle)
		dev, err := t.adapter.Connect(address)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.links[c.handle] != c {
			if err == nil {
				go dev.Disconnect()
			}
			return
		}
		if err != nil {
			t.emit(func(ev central.Events) { ev.ConnectionChanged(c.handle, false, err) })
			return
		}
		c.dev = dev
		c.up = true
		t.emit(func(ev central.Events) { ev.ConnectionChanged(c.handle, true, nil) })
	})
	return c.handle, nil
}

// lost handles a link loss reported by the stack
func (t *Transport) lost(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.links {
		if c.address == address && c.up {
			t.down(c)
		}
	}
}

// down reports a connection as gone once. Called with t.mu held.
func (t *Transport) down(c *conn) {
	if !c.up {
		return
	}
	c.up = false
	t.log.Debug("disconnected", "address", c.address, "handle", c.handle)
	t.emit(func(ev central.Events) { ev.ConnectionChanged(c.handle, false, nil) })
}

// RequestMTU reports the MTU the stack negotiated, capped at mtu. The
// stack negotiates on its own, so the value is read from the link once
// services are known.
func (t *Transport) RequestMTU(h link.Handle, mtu int) error {
	return t.run(h, func(c *conn) {
		t.mu.Lock()
		c.wantMTU = mtu
		known := c.services != nil
		t.mu.Unlock()
		if known {
			t.reportMTU(c)
		}
	})
}

// reportMTU emits MTUChanged for c. Called on the link worker.
func (t *Transport) reportMTU(c *conn) {
	t.mu.Lock()
	want := c.wantMTU
	var ch characteristic
	for _, chars := range c.services {
		if len(chars) > 0 {
			ch = chars[0]
			break
		}
	}
	t.mu.Unlock()
	if want == 0 || ch == nil {
		return
	}

	mtu, err := ch.MTU()
	agreed := min(int(mtu), want)
	t.log.Debug("mtu", "address", c.address, "mtu", mtu, "agreed", agreed, "error", err)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit(func(ev central.Events) { ev.MTUChanged(c.handle, agreed, err) })
}

// run queues op on the link's worker. op runs without t.mu held.
func (t *Transport) run(h link.Handle, op func(c *conn)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.links[h]
	if !ok || !c.up {
		return ErrNotConnected
	}
	c.ops.do(func() { op(c) })
	return nil
}

func (t *Transport) DiscoverServices(h link.Handle) error {
	return t.run(h, func(c *conn) {
		services, err := c.dev.DiscoverServices()
		if err == nil {
			t.mu.Lock()
			c.services = services
			t.mu.Unlock()
			t.reportMTU(c)
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.emit(func(ev central.Events) { ev.ServicesDiscovered(h, err) })
	})
}

func (t *Transport) Characteristics(h link.Handle, service uuid.UUID) ([]uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.links[h]
	if !ok {
		return nil, ErrNotConnected
	}
	chars, ok := c.services[service]
	if !ok {
		return nil, fmt.Errorf("service %s not found", service)
	}
	ids := make([]uuid.UUID, len(chars))
	for i, ch := range chars {
		ids[i] = ch.UUID()
	}
	return ids, nil
}

// lookup finds a discovered characteristic. Called on the link worker.
func (t *Transport) lookup(c *conn, id uuid.UUID) (characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, chars := range c.services {
		for _, ch := range chars {
			if ch.UUID() == id {
				return ch, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoCharacteristic, id)
}

func (t *Transport) EnableIndications(h link.Handle, char uuid.UUID) error {
	return t.run(h, func(c *conn) {
		ch, err := t.lookup(c, char)
		if err == nil {
			err = ch.EnableNotifications(func(buf []byte) {
				value := append([]byte(nil), buf...)
				if config.Verbose {
					config.Debugf("Notification received: %d bytes\n%s", len(value), util.HexDump(value))
				}
				t.mu.Lock()
				defer t.mu.Unlock()
				if c.up {
					t.emit(func(ev central.Events) { ev.CharacteristicChanged(h, char, value) })
				}
			})
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.emit(func(ev central.Events) { ev.DescriptorWritten(h, char, err) })
	})
}

func (t *Transport) Write(h link.Handle, char uuid.UUID, value []byte) error {
	value = append([]byte(nil), value...)
	return t.run(h, func(c *conn) {
		ch, err := t.lookup(c, char)
		if err == nil {
			if config.Verbose {
				config.Debugf("Write: %d bytes\n%s", len(value), util.HexDump(value))
			}
			_, err = ch.Write(value)
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.emit(func(ev central.Events) { ev.CharacteristicWritten(h, char, err) })
	})
}

func (t *Transport) Read(h link.Handle, char uuid.UUID) error {
	return t.run(h, func(c *conn) {
		var value []byte
		ch, err := t.lookup(c, char)
		if err == nil {
			buf := make([]byte, readBufferSize)
			var n int
			n, err = ch.Read(buf)
			value = buf[:n]
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.emit(func(ev central.Events) { ev.CharacteristicRead(h, char, value, err) })
	})
}

func (t *Transport) Disconnect(h link.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.links[h]
	if !ok {
		return ErrNotConnected
	}
	c.ops.do(func() {
		t.mu.Lock()
		dev := c.dev
		c.dropped = true
		t.mu.Unlock()
		if dev != nil {
			if err := dev.Disconnect(); err != nil {
				t.log.Debug("disconnect", "address", c.address, "error", err)
			}
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.down(c)
	})
	return nil
}

// drop closes a radio link nobody disconnected yet. Called with t.mu held.
func (t *Transport) drop(c *conn) {
	if c.dev == nil || c.dropped || !c.up {
		return
	}
	c.dropped = true
	go func() {
		if err := c.dev.Disconnect(); err != nil {
			t.log.Debug("disconnect", "address", c.address, "error", err)
		}
	}()
}

// Release forgets the handle and drops its queued operations. A radio link
// that is still up is closed in the background without a
// ConnectionChanged event.
func (t *Transport) Release(h link.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.links[h]
	if !ok {
		return
	}
	delete(t.links, h)
	c.ops.stop()
	t.drop(c)
}
