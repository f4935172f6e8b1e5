package ble

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/vitaminmoo/blesock/internal/config"
)

// adapter is the slice of the tinygo adapter the transport drives. Every
// method may block.
type adapter interface {
	Enable() error
	// Scan reports every advertiser of service until StopScan
	Scan(service uuid.UUID, found func(address, name string)) error
	StopScan() error
	Connect(address string) (device, error)
	// OnDisconnect registers the link loss callback
	OnDisconnect(f func(address string))
}

type device interface {
	// DiscoverServices returns the characteristics of every service
	DiscoverServices() (map[uuid.UUID][]characteristic, error)
	Disconnect() error
}

type characteristic interface {
	UUID() uuid.UUID
	EnableNotifications(f func(buf []byte)) error
	// Write sends a write request and returns once the peer acknowledged it
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	// MTU reports the ATT MTU of the link the characteristic lives on
	MTU() (uint16, error)
}

// tinygoAdapter drives bluetooth.DefaultAdapter
type tinygoAdapter struct {
	a *bluetooth.Adapter

	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

func newTinygoAdapter() *tinygoAdapter {
	return &tinygoAdapter{
		a:    bluetooth.DefaultAdapter,
		seen: make(map[string]bluetooth.Address),
	}
}

func (t *tinygoAdapter) Enable() error {
	return t.a.Enable()
}

func (t *tinygoAdapter) Scan(service uuid.UUID, found func(address, name string)) error {
	want, err := toTinygo(service)
	if err != nil {
		return err
	}
	return t.a.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		address := strings.ToUpper(result.Address.String())
		if !result.HasServiceUUID(want) {
			if config.Verbose && result.LocalName() != "" {
				config.Debugf("  Ignored: '%s' (%s)", result.LocalName(), address)
			}
			return
		}
		t.mu.Lock()
		t.seen[address] = result.Address
		t.mu.Unlock()
		found(address, result.LocalName())
	})
}

func (t *tinygoAdapter) StopScan() error {
	return t.a.StopScan()
}

func (t *tinygoAdapter) Connect(address string) (device, error) {
	t.mu.Lock()
	addr, ok := t.seen[address]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %s was not seen while scanning", address)
	}
	d, err := t.a.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return tinygoDevice{d: d, address: address}, nil
}

func (t *tinygoAdapter) OnDisconnect(f func(address string)) {
	t.a.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected {
			f(strings.ToUpper(d.Address.String()))
		}
	})
}

type tinygoDevice struct {
	d       bluetooth.Device
	address string
}

func (t tinygoDevice) DiscoverServices() (map[uuid.UUID][]characteristic, error) {
	config.Debugf("Discovering services...")
	services, err := t.d.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	out := make(map[uuid.UUID][]characteristic, len(services))
	for i := range services {
		id, err := fromTinygo(services[i].UUID())
		if err != nil {
			continue
		}
		chars, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of %s: %w", id, err)
		}
		for j := range chars {
			cid, err := fromTinygo(chars[j].UUID())
			if err != nil {
				continue
			}
			config.Debugf("Found characteristic: %s", cid)
			out[id] = append(out[id], &tinygoCharacteristic{id: cid, address: t.address, c: chars[j]})
		}
	}
	return out, nil
}

func (t tinygoDevice) Disconnect() error {
	return t.d.Disconnect()
}

// tinygoCharacteristic is only used from its link's worker
type tinygoCharacteristic struct {
	id      uuid.UUID
	address string
	c       bluetooth.DeviceCharacteristic

	// path caches the BlueZ object path once a linux write resolved it
	path string
}

func (t *tinygoCharacteristic) UUID() uuid.UUID { return t.id }

func (t *tinygoCharacteristic) EnableNotifications(f func(buf []byte)) error {
	return t.c.EnableNotifications(f)
}

func (t *tinygoCharacteristic) Write(p []byte) (int, error) {
	return t.write(p)
}

func (t *tinygoCharacteristic) Read(p []byte) (int, error) {
	return t.c.Read(p)
}

func (t *tinygoCharacteristic) MTU() (uint16, error) {
	return t.c.GetMTU()
}

func toTinygo(id uuid.UUID) (bluetooth.UUID, error) {
	return bluetooth.ParseUUID(id.String())
}

func fromTinygo(id bluetooth.UUID) (uuid.UUID, error) {
	return uuid.Parse(id.String())
}
