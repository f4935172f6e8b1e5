// Package radio watches the power state of a BlueZ adapter over the
// system D-Bus.
package radio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName     = "org.bluez"
	adapterInterface = "org.bluez.Adapter1"
	propsInterface   = "org.freedesktop.DBus.Properties"
	propsChanged     = propsInterface + ".PropertiesChanged"
)

// ErrNoAdapter is returned when the adapter object does not answer
var ErrNoAdapter = errors.New("bluetooth adapter not found")

// Monitor tracks Adapter1.Powered and pushes every change to its
// subscribers.
type Monitor struct {
	conn    *dbus.Conn
	path    dbus.ObjectPath
	rule    string
	log     *slog.Logger
	signals chan *dbus.Signal
	done    chan struct{}

	mu      sync.Mutex
	powered bool
	next    int
	subs    map[int]func(bool)
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// AdapterPath returns the BlueZ object path of an adapter name such as hci0
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// Open connects to the system bus, reads the current power state and
// starts watching for changes.
func Open(adapter string, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		path:    AdapterPath(adapter),
		log:     slog.Default(),
		signals: make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
		subs:    make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("adapter", adapter)

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	m.conn = conn

	var variant dbus.Variant
	obj := conn.Object(bluezBusName, m.path)
	if err := obj.Call(propsInterface+".Get", 0, adapterInterface, "Powered").Store(&variant); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNoAdapter, adapter, err)
	}
	if on, ok := variant.Value().(bool); ok {
		m.powered = on
	}

	m.rule = fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", propsInterface, m.path)
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, m.rule).Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to add match rule: %w", err)
	}
	conn.Signal(m.signals)

	go m.run()
	m.log.Debug("watching adapter power", "powered", m.powered)
	return m, nil
}

// Powered returns the last known power state
func (m *Monitor) Powered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powered
}

// SetPowered asks BlueZ to switch the adapter on or off. The change is
// reported through the subscribers once BlueZ confirms it.
func (m *Monitor) SetPowered(on bool) error {
	obj := m.conn.Object(bluezBusName, m.path)
	call := obj.Call(propsInterface+".Set", 0, adapterInterface, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("failed to set Powered: %w", call.Err)
	}
	return nil
}

// Subscribe registers f for power changes and returns a function that
// removes it. f runs on the monitor goroutine.
func (m *Monitor) Subscribe(f func(powered bool)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.subs[id] = f
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Close stops watching and closes the bus connection
func (m *Monitor) Close() error {
	select {
	case <-m.done:
		return nil
	default:
	}
	close(m.done)
	m.conn.RemoveSignal(m.signals)
	m.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, m.rule)
	return m.conn.Close()
}

func (m *Monitor) run() {
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-m.signals:
			if !ok {
				return
			}
			on, changed := poweredFromSignal(sig, m.path)
			if changed {
				m.update(on)
			}
		}
	}
}

func (m *Monitor) update(on bool) {
	m.mu.Lock()
	if m.powered == on {
		m.mu.Unlock()
		return
	}
	m.powered = on
	subs := make([]func(bool), 0, len(m.subs))
	for _, f := range m.subs {
		subs = append(subs, f)
	}
	m.mu.Unlock()

	m.log.Info("adapter power changed", "powered", on)
	for _, f := range subs {
		f(on)
	}
}

// poweredFromSignal extracts Powered from an Adapter1 PropertiesChanged
// signal on path. The second result is false when the signal does not
// carry it.
func poweredFromSignal(sig *dbus.Signal, path dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Name != propsChanged || sig.Path != path {
		return false, false
	}
	// interface_name, changed_properties, invalidated_properties
	if len(sig.Body) < 2 {
		return false, false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != adapterInterface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	on, ok := v.Value().(bool)
	return on, ok
}
