package central

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/vitaminmoo/blesock/internal/frame"
	"github.com/vitaminmoo/blesock/internal/link"
)

var errAcceptTimeout = errors.New("acceptance timeout")

// Connect stops scanning and connects to a discovered peripheral. The
// acceptance timer starts now and covers discovery and the handshake.
func (c *Central) Connect(id int) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateReady && c.state != StateScan {
		return fmt.Errorf("connect: %w: %s", link.ErrInvalidState, c.state)
	}
	dev, ok := c.lookup(id)
	if !ok {
		return fmt.Errorf("connect %d: %w", id, ErrUnknownDevice)
	}
	if c.state == StateScan {
		c.stopScanLocked()
	}

	h, err := c.transport.Connect(dev.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", dev.Address, err)
	}

	c.log.Info("connecting", "id", id, "name", dev.Name, "address", dev.Address)
	c.state = StateConnect
	c.handle = h
	c.address = dev.Address
	c.retried = false
	c.armAcceptTimer()
	return nil
}

// Accept marks the link as trusted and cancels the acceptance timer.
func (c *Central) Accept() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateOnline {
		return fmt.Errorf("accept: %w: %s", link.ErrInvalidState, c.state)
	}
	c.cancelAcceptTimer()
	c.log.Debug("accepted")
	return nil
}

// Disconnect closes the connection. A pending connect is dropped silently;
// an online link reports OnDisconnect once the transport confirms.
func (c *Central) Disconnect() error {
	c.mu.Lock()
	defer c.unlock()

	switch c.state {
	case StateConnect, StateDiscover:
		c.log.Info("connect canceled")
		if err := c.transport.Disconnect(c.handle); err != nil {
			c.log.Debug("disconnect", "error", err)
		}
		c.state = StateReady
		c.cleanupConnection()
		return nil
	case StateOnline:
		c.state = StateDisconnect
		c.cancelAcceptTimer()
		if err := c.transport.Disconnect(c.handle); err != nil {
			c.log.Warn("failed to disconnect", "error", err)
			c.state = StateReady
			c.cleanupConnection()
			c.post(EventSink.OnDisconnect)
		}
		return nil
	case StateDisconnect:
		return nil
	}
	return fmt.Errorf("disconnect: %w: %s", link.ErrInvalidState, c.state)
}

// handleError is the single escalation path for anything fatal to the
// connection. It guarantees exactly one of OnFail or OnDisconnect.
func (c *Central) handleError(err error) {
	if c.closing {
		return
	}
	c.log.Error("connection error", "state", c.state, "error", err)

	switch c.state {
	case StateConnect:
		c.state = StateReady
		c.cleanupConnection()
		c.post(EventSink.OnFail)
	case StateDiscover, StateOnline:
		state := c.state
		c.closing = true
		c.cancelAcceptTimer()
		c.stopDiscoverTimer()
		if derr := c.transport.Disconnect(c.handle); derr != nil {
			c.log.Warn("failed to disconnect", "error", derr)
			c.state = StateReady
			c.cleanupConnection()
			if state == StateOnline {
				c.post(EventSink.OnDisconnect)
			} else {
				c.post(EventSink.OnFail)
			}
		}
	}
}

func (c *Central) connectionChanged(connected bool, err error) {
	if connected {
		if c.state != StateConnect || c.closing {
			c.handleError(fmt.Errorf("unexpected connect in state %s", c.state))
			return
		}
		c.log.Info("connected", "address", c.address)
		c.state = StateDiscover
		if err := c.transport.RequestMTU(c.handle, c.cfg.RequestMTU); err != nil {
			c.log.Debug("requestMtu", "error", err)
		}
		c.startDiscoverTimer()
		return
	}

	if c.state == StateConnect && !c.retried && errors.Is(err, link.ErrBusy) {
		c.retried = true
		c.log.Info("transport busy, reconnecting", "address", c.address)
		c.transport.Release(c.handle)
		c.handle = 0
		h, cerr := c.transport.Connect(c.address)
		if cerr != nil {
			c.handleError(fmt.Errorf("failed to reconnect: %w", cerr))
			return
		}
		c.handle = h
		return
	}

	state := c.state
	c.log.Info("disconnected", "state", state, "error", err)
	c.state = StateReady
	c.cleanupConnection()
	if state == StateOnline || state == StateDisconnect {
		c.post(EventSink.OnDisconnect)
	} else {
		c.post(EventSink.OnFail)
	}
}

func (c *Central) mtuChanged(mtu int, err error) {
	if err != nil {
		c.log.Debug("mtu negotiation failed", "error", err)
		return
	}
	if chunk := mtu - 3; chunk >= frame.MinChunkSize {
		c.maxChunk = chunk
	}
	c.log.Debug("mtu changed", "mtu", mtu, "chunk", c.maxChunk)
}

func (c *Central) startDiscoverTimer() {
	c.discoverSeq++
	seq := c.discoverSeq
	c.discoverCount = 0
	c.discoverTimer = link.Repeat(c.clock, c.cfg.UpdateInterval, func() {
		c.mu.Lock()
		defer c.unlock()
		if seq != c.discoverSeq {
			return
		}
		c.discoverTick()
	})
}

func (c *Central) stopDiscoverTimer() {
	c.discoverSeq++
	if c.discoverTimer != nil {
		c.discoverTimer.Stop()
		c.discoverTimer = nil
	}
}

// discoverTick retries service discovery until the transport takes it
func (c *Central) discoverTick() {
	if c.state != StateDiscover || c.closing {
		return
	}
	c.discoverCount++
	if err := c.transport.DiscoverServices(c.handle); err != nil {
		c.log.Debug("discoverServices", "attempt", c.discoverCount, "error", err)
		return
	}
	c.stopDiscoverTimer()
}

func (c *Central) servicesDiscovered(err error) {
	if c.state != StateDiscover {
		c.handleError(fmt.Errorf("services discovered in state %s", c.state))
		return
	}
	if err != nil {
		c.handleError(fmt.Errorf("failed to discover services: %w", err))
		return
	}
	chars, err := c.transport.Characteristics(c.handle, c.id.Service)
	if err != nil {
		c.handleError(fmt.Errorf("service %s: %w", c.id.Service, err))
		return
	}
	for _, want := range [...]struct {
		name string
		id   uuid.UUID
	}{{"upload", c.id.Upload}, {"download", c.id.Download}} {
		if !slices.Contains(chars, want.id) {
			c.handleError(fmt.Errorf("%s characteristic: %w", want.name, ErrNotFound))
			return
		}
	}
	if err := c.transport.EnableIndications(c.handle, c.id.Download); err != nil {
		c.handleError(fmt.Errorf("failed to enable indications: %w", err))
	}
}

func (c *Central) descriptorWritten(err error) {
	if c.state != StateDiscover {
		c.handleError(fmt.Errorf("descriptor written in state %s", c.state))
		return
	}
	if err != nil {
		c.handleError(fmt.Errorf("failed to write descriptor: %w", err))
		return
	}
	// empty write tells the peripheral the subscription is complete
	if err := c.transport.Write(c.handle, c.id.Upload, []byte{}); err != nil {
		c.handleError(fmt.Errorf("failed to write handshake: %w", err))
		return
	}
	c.busy = true
	c.state = StateOnline
	c.log.Info("online", "address", c.address, "chunk", c.maxChunk)
	c.post(EventSink.OnConnect)
}

func (c *Central) armAcceptTimer() {
	c.cancelAcceptTimer()
	seq := c.acceptSeq
	c.acceptTimer = c.clock.AfterFunc(c.cfg.AcceptanceTimeout, func() {
		c.mu.Lock()
		defer c.unlock()
		if seq != c.acceptSeq {
			return
		}
		c.acceptTimer = nil
		c.handleError(errAcceptTimeout)
	})
}

func (c *Central) cancelAcceptTimer() {
	c.acceptSeq++
	if c.acceptTimer != nil {
		c.acceptTimer.Stop()
		c.acceptTimer = nil
	}
}

// cleanupConnection releases every per-connection resource
func (c *Central) cleanupConnection() {
	if c.handle != 0 {
		c.transport.Release(c.handle)
		c.handle = 0
	}
	c.address = ""
	c.retried = false
	c.closing = false
	c.cancelAcceptTimer()
	c.stopDiscoverTimer()
	c.tx.Reset()
	c.rx.Reset()
	c.busy = false
	c.ops = nil
	c.maxChunk = frame.DefaultChunkSize
}
