package hub

import (
	"fmt"

	"github.com/vitaminmoo/blesock/internal/link"
)

// StartAdvertising advertises the service under name. The adapter name is
// swapped for name while advertising starts and restored afterwards.
// Advertising follows the radio power state like scanning does.
func (h *Hub) StartAdvertising(name string) error {
	h.mu.Lock()
	defer h.unlock()

	if h.state == StateAdvertise {
		return fmt.Errorf("start advertising: %w: already advertising", link.ErrInvalidState)
	}
	if h.state != StateReady {
		return fmt.Errorf("start advertising: %w: %s", link.ErrInvalidState, h.state)
	}
	if name == "" {
		return ErrInvalidName
	}

	h.state = StateAdvertise
	h.name = name
	h.advertiseTick()
	h.advertiseTicker = link.Repeat(h.clock, h.cfg.UpdateInterval, func() {
		h.mu.Lock()
		defer h.unlock()
		h.advertiseTick()
	})

	if !h.transport.Enabled() {
		h.log.Info("bluetooth required")
		h.post(EventSink.OnBluetoothRequire)
	}
	return nil
}

// StopAdvertising returns to Ready. Connected centrals stay connected.
func (h *Hub) StopAdvertising() error {
	h.mu.Lock()
	defer h.unlock()

	if h.state != StateAdvertise {
		return fmt.Errorf("stop advertising: %w: %s", link.ErrInvalidState, h.state)
	}
	h.stopAdvertisingLocked()
	return nil
}

func (h *Hub) stopAdvertisingLocked() {
	h.state = StateReady
	if h.advertising {
		h.stopAdvertisingInternal()
	}
	if h.advertiseTicker != nil {
		h.advertiseTicker.Stop()
		h.advertiseTicker = nil
	}
}

func (h *Hub) advertiseTick() {
	if h.state != StateAdvertise {
		return
	}
	if h.transport.Enabled() {
		if !h.advertising {
			h.startAdvertisingInternal()
		}
	} else if h.advertising {
		h.stopAdvertisingInternal()
	}
}

func (h *Hub) startAdvertisingInternal() {
	original, err := h.transport.Name()
	if err != nil {
		h.log.Warn("failed to read adapter name", "error", err)
		return
	}
	if err := h.transport.SetName(h.name); err != nil {
		h.log.Warn("failed to change adapter name", "name", h.name, "error", err)
		return
	}
	h.originalName = original
	h.renamed = true

	h.log.Debug("startAdvertising", "name", h.name, "original", original)
	if err := h.transport.StartAdvertising(h.id.Service); err != nil {
		h.log.Error("failed to start advertising", "error", err)
		h.restoreName()
		return
	}
	h.advertising = true
}

func (h *Hub) stopAdvertisingInternal() {
	h.log.Debug("stopAdvertising")
	if err := h.transport.StopAdvertising(); err != nil {
		h.log.Warn("failed to stop advertising", "error", err)
	}
	h.advertising = false
	h.restoreName()
}

func (h *Hub) restoreName() {
	if !h.renamed {
		return
	}
	h.renamed = false
	if err := h.transport.SetName(h.originalName); err != nil {
		h.log.Warn("failed to restore adapter name", "error", err)
		return
	}
	h.log.Debug("adapter name restored", "name", h.originalName)
}

func (h *Hub) advertisingStarted(err error) {
	h.restoreName()
	if err == nil {
		h.log.Info("advertising", "name", h.name)
		return
	}
	h.log.Error("advertising failed", "error", err)
	if h.state == StateAdvertise {
		h.stopAdvertisingLocked()
	}
	h.post(EventSink.OnFail)
}
