package central

import (
	"fmt"
	"strings"

	"github.com/vitaminmoo/blesock/internal/link"
)

// StartScan begins looking for peripherals advertising the service.
// Discovery ids restart at 1. Scanning follows the radio power state: it
// starts when the radio comes up and pauses while it is down.
func (c *Central) StartScan() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateScan {
		c.log.Debug("already scanning")
		return nil
	}
	if c.state != StateReady {
		return fmt.Errorf("start scan: %w: %s", link.ErrInvalidState, c.state)
	}

	c.state = StateScan
	c.devices = nil
	c.nextID = 1
	c.scanTick()
	c.scanTicker = link.Repeat(c.clock, c.cfg.UpdateInterval, c.onScanTick)

	if !c.transport.Enabled() {
		c.log.Info("bluetooth required")
		c.post(EventSink.OnBluetoothRequire)
	}
	return nil
}

// StopScan returns to Ready.
func (c *Central) StopScan() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateScan {
		return fmt.Errorf("stop scan: %w: %s", link.ErrInvalidState, c.state)
	}
	c.stopScanLocked()
	return nil
}

func (c *Central) stopScanLocked() {
	c.state = StateReady
	if c.scanning {
		c.stopScanInternal()
	}
	if c.scanTicker != nil {
		c.scanTicker.Stop()
		c.scanTicker = nil
	}
}

func (c *Central) onScanTick() {
	c.mu.Lock()
	defer c.unlock()
	c.scanTick()
}

// scanTick starts or stops the transport scan to match radio power
func (c *Central) scanTick() {
	if c.state != StateScan {
		return
	}
	if c.transport.Enabled() {
		if !c.scanning {
			c.log.Debug("startScan", "service", c.id.Service)
			if err := c.transport.StartScan(c.id.Service); err != nil {
				c.log.Warn("failed to start scan", "error", err)
				return
			}
			c.scanning = true
		}
	} else if c.scanning {
		c.stopScanInternal()
	}
}

func (c *Central) stopScanInternal() {
	c.log.Debug("stopScan")
	if err := c.transport.StopScan(); err != nil {
		c.log.Warn("failed to stop scan", "error", err)
	}
	c.scanning = false
}

func (c *Central) deviceDiscovered(dev Device) {
	if c.state != StateScan {
		return
	}
	if dev.Name == "" {
		return
	}
	for _, d := range c.devices {
		if strings.EqualFold(d.device.Address, dev.Address) {
			return
		}
	}

	id := c.nextID
	c.nextID++
	c.devices = append(c.devices, discovered{id: id, device: dev})
	c.log.Info("peripheral discovered", "id", id, "name", dev.Name, "address", dev.Address)

	name := dev.Name
	c.post(func(s EventSink) { s.OnDiscover(name, id) })
}

func (c *Central) scanFailed(err error) {
	if c.state != StateScan {
		return
	}
	c.log.Error("scan failed", "error", err)
	c.scanning = false
	c.stopScanLocked()
	c.post(EventSink.OnFail)
}

func (c *Central) lookup(id int) (Device, bool) {
	for _, d := range c.devices {
		if d.id == id {
			return d.device, true
		}
	}
	return Device{}, false
}

// Device returns the peripheral reported under id by the current or last
// scan
func (c *Central) Device(id int) (Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(id)
}
