package sim

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/vitaminmoo/blesock/internal/hub"
	"github.com/vitaminmoo/blesock/internal/link"
)

// Peripheral is the GATT server end of the radio. It implements hub.Transport.
type Peripheral struct {
	r       *Radio
	address string
	events  hub.Events

	service     *link.ServiceIdentity
	advertising bool
	advName     string
	notifies    int
}

var _ hub.Transport = (*Peripheral)(nil)

// Address returns the peripheral's device address
func (p *Peripheral) Address() string {
	return p.address
}

func (p *Peripheral) handler() hub.Events {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.events
}

func (p *Peripheral) powerChanged(on bool) {
	if ev := p.handler(); ev != nil {
		ev.PowerChanged(on)
	}
}

// Advertising reports whether the peripheral is visible and under which name
func (p *Peripheral) Advertising() (bool, string) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.advertising, p.advName
}

// Notifies returns how many notifications have been sent
func (p *Peripheral) Notifies() int {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	return p.notifies
}

func (p *Peripheral) Open(events hub.Events) error {
	r := p.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return link.ErrUnavailable
	}
	p.events = events
	return nil
}

// Close shuts the GATT server; connected centrals lose their link
func (p *Peripheral) Close() {
	r := p.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.links {
		r.dropLocked(c)
	}
	p.events = nil
	p.service = nil
	p.advertising = false
}

func (p *Peripheral) Enabled() bool {
	return p.r.Powered()
}

func (p *Peripheral) AddService(id link.ServiceIdentity) error {
	r := p.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.powered {
		return ErrPoweredOff
	}
	p.service = &id
	r.log.Debug("service added", "service", id.Service)
	r.post(func() {
		if ev := p.handler(); ev != nil {
			ev.ServiceAdded(nil)
		}
	})
	return nil
}

func (p *Peripheral) StartAdvertising(service uuid.UUID) error {
	r := p.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.powered {
		return ErrPoweredOff
	}

	var result error
	if p.service == nil || p.service.Service != service {
		result = fmt.Errorf("advertise %s: %w", service, ErrNoService)
	} else {
		p.advertising = true
		p.advName = r.name
		r.log.Debug("advertising", "name", p.advName)
		for _, c := range r.centrals {
			if c.scanning && c.scanService == service {
				c.discover(p)
			}
		}
	}
	r.post(func() {
		if ev := p.handler(); ev != nil {
			ev.AdvertisingStarted(result)
		}
	})
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.advertising = false
	return nil
}

func (p *Peripheral) Name() (string, error) {
	return p.r.AdapterName(), nil
}

func (p *Peripheral) SetName(name string) error {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.r.name = name
	return nil
}

func (p *Peripheral) findLocked(device string) *conn {
	for _, c := range p.r.links {
		if strings.EqualFold(c.central.address, device) {
			return c
		}
	}
	return nil
}

// Respond completes a request the peripheral received
func (p *Peripheral) Respond(device string, requestID int, status link.Status, value []byte) error {
	r := p.r
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return fmt.Errorf("respond %d: %w", requestID, ErrNotConnected)
	}
	delete(r.requests, requestID)
	c := req.conn
	c.pending--
	if !strings.EqualFold(c.central.address, device) {
		r.log.Warn("response for wrong device", "device", device, "request", requestID)
	}

	var err error
	if status != link.StatusSuccess {
		err = fmt.Errorf("%s %s: %w", req.kind, req.char, ErrRequestFailed)
	}
	value = slices.Clone(value)
	h, char, cen := c.handle, req.char, c.central
	r.post(func() {
		ev := cen.handler()
		if ev == nil {
			return
		}
		switch req.kind {
		case reqWrite:
			ev.CharacteristicWritten(h, char, err)
		case reqRead:
			ev.CharacteristicRead(h, char, value, err)
		case reqDescriptor:
			ev.DescriptorWritten(h, char, err)
		}
	})
	return nil
}

// Notify pushes value to a subscribed central and reports completion
func (p *Peripheral) Notify(device string, char uuid.UUID, value []byte) error {
	r := p.r
	r.mu.Lock()
	defer r.mu.Unlock()

	c := p.findLocked(device)
	if c == nil {
		return fmt.Errorf("notify %s: %w", device, ErrNotConnected)
	}
	if limit := c.mtu - 3; len(value) > limit {
		return fmt.Errorf("notify %s: %d bytes over mtu %d", device, len(value), c.mtu)
	}
	p.notifies++
	value = slices.Clone(value)
	h, cen := c.handle, c.central
	r.post(func() {
		if ev := cen.handler(); ev != nil {
			ev.CharacteristicChanged(h, char, value)
		}
	})
	r.post(func() {
		if ev := p.handler(); ev != nil {
			ev.NotificationSent(device, nil)
		}
	})
	return nil
}
