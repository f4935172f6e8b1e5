package central

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vitaminmoo/blesock/internal/link"
)

// handler adapts transport events onto the Central. Events for a stale
// handle or an unexpected characteristic are dropped; events arriving in
// the wrong state are escalated.
type handler struct {
	c *Central
}

func (h handler) lock() *Central {
	h.c.mu.Lock()
	return h.c
}

// current reports whether an event belongs to the live connection
func (c *Central) current(h link.Handle) bool {
	if h == 0 || h != c.handle {
		c.log.Debug("event for stale handle", "handle", h)
		return false
	}
	return true
}

func (h handler) PowerChanged(enabled bool) {
	c := h.lock()
	defer c.unlock()
	c.log.Info("power changed", "enabled", enabled)
	c.scanTick()
}

func (h handler) DeviceDiscovered(dev Device) {
	c := h.lock()
	defer c.unlock()
	c.deviceDiscovered(dev)
}

func (h handler) ScanFailed(err error) {
	c := h.lock()
	defer c.unlock()
	c.scanFailed(err)
}

func (h handler) ConnectionChanged(lh link.Handle, connected bool, err error) {
	c := h.lock()
	defer c.unlock()
	if !c.current(lh) {
		return
	}
	c.connectionChanged(connected, err)
}

func (h handler) MTUChanged(lh link.Handle, mtu int, err error) {
	c := h.lock()
	defer c.unlock()
	if !c.current(lh) {
		return
	}
	c.mtuChanged(mtu, err)
}

func (h handler) ServicesDiscovered(lh link.Handle, err error) {
	c := h.lock()
	defer c.unlock()
	if !c.current(lh) || c.closing {
		return
	}
	c.servicesDiscovered(err)
}

func (h handler) DescriptorWritten(lh link.Handle, char uuid.UUID, err error) {
	c := h.lock()
	defer c.unlock()
	if !c.current(lh) || c.closing {
		return
	}
	if char != c.id.Download {
		c.log.Warn("descriptor written on unexpected characteristic", "char", char)
		return
	}
	c.descriptorWritten(err)
}

func (h handler) CharacteristicWritten(lh link.Handle, char uuid.UUID, err error) {
	c := h.lock()
	defer c.unlock()
	if !c.current(lh) || c.closing || !c.checkChar(char, c.id.Upload) {
		return
	}
	c.characteristicWritten(err)
}

func (h handler) CharacteristicRead(lh link.Handle, char uuid.UUID, value []byte, err error) {
	c := h.lock()
	defer c.unlock()
	if !c.current(lh) || c.closing || !c.checkChar(char, c.id.Download) {
		return
	}
	c.characteristicRead(value, err)
}

func (h handler) CharacteristicChanged(lh link.Handle, char uuid.UUID, value []byte) {
	c := h.lock()
	defer c.unlock()
	if !c.current(lh) || c.closing || !c.checkChar(char, c.id.Download) {
		return
	}
	c.characteristicChanged(value)
}

// checkChar drops events on the wrong characteristic and escalates data
// events outside Online
func (c *Central) checkChar(got, want uuid.UUID) bool {
	if got != want {
		c.log.Warn("event on unexpected characteristic", "char", got)
		return false
	}
	if c.state != StateOnline {
		c.handleError(fmt.Errorf("data event in state %s", c.state))
		return false
	}
	return true
}
