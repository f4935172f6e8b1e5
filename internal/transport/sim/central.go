package sim

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/vitaminmoo/blesock/internal/central"
	"github.com/vitaminmoo/blesock/internal/hub"
	"github.com/vitaminmoo/blesock/internal/link"
)

// defaultATTMTU is the MTU of a fresh link before negotiation
const defaultATTMTU = 23

// Central is a GATT client end of the radio. It implements central.Transport.
type Central struct {
	r       *Radio
	address string
	events  central.Events

	scanning    bool
	scanService uuid.UUID
	conn        *conn
	maxPending  int
}

var _ central.Transport = (*Central)(nil)

// Address returns the central's device address
func (c *Central) Address() string {
	return c.address
}

// MaxPending returns the most requests this central ever had outstanding
// at once on one link
func (c *Central) MaxPending() int {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.maxPending
}

func (c *Central) handler() central.Events {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.events
}

func (c *Central) powerChanged(on bool) {
	if ev := c.handler(); ev != nil {
		ev.PowerChanged(on)
	}
}

// discover reports an advertising peripheral. Called with the radio lock held.
func (c *Central) discover(p *Peripheral) {
	dev := central.Device{Address: p.address, Name: p.advName}
	c.r.post(func() {
		if ev := c.handler(); ev != nil {
			ev.DeviceDiscovered(dev)
		}
	})
}

// LinkLoss drops the central's link as if the peer went out of range
func (c *Central) LinkLoss() {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if c.conn != nil {
		c.r.dropLocked(c.conn)
	}
}

func (c *Central) Open(events central.Events) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return link.ErrUnavailable
	}
	c.events = events
	return nil
}

func (c *Central) Close() {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.conn != nil {
		r.dropLocked(c.conn)
	}
	c.scanning = false
	c.events = nil
}

func (c *Central) Enabled() bool {
	return c.r.Powered()
}

func (c *Central) StartScan(service uuid.UUID) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.powered {
		return ErrPoweredOff
	}
	c.scanning = true
	c.scanService = service
	if p := r.peripheral; p != nil && p.advertising && p.service != nil && p.service.Service == service {
		c.discover(p)
	}
	return nil
}

func (c *Central) StopScan() error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	c.scanning = false
	return nil
}

func (c *Central) Connect(address string) (link.Handle, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.powered {
		return 0, ErrPoweredOff
	}
	p := r.peripheral
	if p == nil || !strings.EqualFold(p.address, address) {
		return 0, fmt.Errorf("connect %s: %w", address, ErrNotConnected)
	}
	if c.conn != nil {
		return 0, fmt.Errorf("connect %s: already connected", address)
	}

	h := r.nextHandle
	r.nextHandle++
	if r.busyConnects > 0 {
		r.busyConnects--
		r.log.Debug("connect busy", "central", c.address)
		r.post(func() {
			if ev := c.handler(); ev != nil {
				ev.ConnectionChanged(h, false, fmt.Errorf("connect %s: %w", address, link.ErrBusy))
			}
		})
		return h, nil
	}

	cn := &conn{handle: h, central: c, mtu: defaultATTMTU}
	r.links[h] = cn
	c.conn = cn
	r.log.Debug("link up", "central", c.address, "handle", h)
	r.post(func() {
		if ev := p.handler(); ev != nil {
			ev.ConnectionChanged(c.address, true)
		}
	})
	r.post(func() {
		if ev := c.handler(); ev != nil {
			ev.ConnectionChanged(h, true, nil)
		}
	})
	return h, nil
}

// lookup returns the live connection behind h. Called with the radio lock held.
func (c *Central) lookup(h link.Handle) (*conn, error) {
	cn, ok := c.r.links[h]
	if !ok || cn.central != c {
		return nil, fmt.Errorf("handle %d: %w", h, ErrNotConnected)
	}
	return cn, nil
}

func (c *Central) RequestMTU(h link.Handle, mtu int) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	cn, err := c.lookup(h)
	if err != nil {
		return err
	}
	cn.mtu = min(mtu, r.mtu)
	agreed := cn.mtu
	r.post(func() {
		if ev := r.peripheral.handler(); ev != nil {
			ev.MTUChanged(c.address, agreed)
		}
	})
	r.post(func() {
		if ev := c.handler(); ev != nil {
			ev.MTUChanged(h, agreed, nil)
		}
	})
	return nil
}

func (c *Central) DiscoverServices(h link.Handle) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := c.lookup(h); err != nil {
		return err
	}
	var result error
	if r.peripheral.service == nil {
		result = ErrNoService
	}
	r.post(func() {
		if ev := c.handler(); ev != nil {
			ev.ServicesDiscovered(h, result)
		}
	})
	return nil
}

func (c *Central) Characteristics(h link.Handle, service uuid.UUID) ([]uuid.UUID, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := c.lookup(h); err != nil {
		return nil, err
	}
	s := r.peripheral.service
	if s == nil || s.Service != service {
		return nil, nil
	}
	return []uuid.UUID{s.Upload, s.Download}, nil
}

func (c *Central) EnableIndications(h link.Handle, char uuid.UUID) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	cn, err := c.lookup(h)
	if err != nil {
		return err
	}
	id := r.request(reqDescriptor, cn, char)
	params := hub.WriteParams{Value: slices.Clone(link.EnableIndication), ResponseNeeded: true}
	r.post(func() {
		if ev := r.peripheral.handler(); ev != nil {
			ev.DescriptorWriteRequest(c.address, id, link.NotificationDescriptor, params)
		}
	})
	return nil
}

func (c *Central) Write(h link.Handle, char uuid.UUID, value []byte) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	cn, err := c.lookup(h)
	if err != nil {
		return err
	}
	if len(value) > cn.mtu-3 {
		return fmt.Errorf("write %d bytes over mtu %d", len(value), cn.mtu)
	}
	id := r.request(reqWrite, cn, char)
	params := hub.WriteParams{Value: slices.Clone(value), ResponseNeeded: true}
	r.post(func() {
		if ev := r.peripheral.handler(); ev != nil {
			ev.WriteRequest(c.address, id, char, params)
		}
	})
	return nil
}

func (c *Central) Read(h link.Handle, char uuid.UUID) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	cn, err := c.lookup(h)
	if err != nil {
		return err
	}
	id := r.request(reqRead, cn, char)
	r.post(func() {
		if ev := r.peripheral.handler(); ev != nil {
			ev.ReadRequest(c.address, id, char, 0)
		}
	})
	return nil
}

func (c *Central) Disconnect(h link.Handle) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	cn, err := c.lookup(h)
	if err != nil {
		return err
	}
	r.dropLocked(cn)
	return nil
}

func (c *Central) Release(h link.Handle) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if cn, ok := r.links[h]; ok && cn.central == c {
		r.dropLocked(cn)
	}
}
