package hub

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/vitaminmoo/blesock/internal/link"
)

// handler adapts transport events onto the Hub.
type handler struct {
	h *Hub
}

func (hd handler) lock() *Hub {
	hd.h.mu.Lock()
	return hd.h
}

func (hd handler) PowerChanged(enabled bool) {
	h := hd.lock()
	defer h.unlock()
	h.log.Info("power changed", "enabled", enabled)
	h.initTick()
	h.advertiseTick()
}

func (hd handler) ServiceAdded(err error) {
	h := hd.lock()
	defer h.unlock()
	h.serviceAdded(err)
}

func (hd handler) AdvertisingStarted(err error) {
	h := hd.lock()
	defer h.unlock()
	h.advertisingStarted(err)
}

func (hd handler) ConnectionChanged(device string, connected bool) {
	h := hd.lock()
	defer h.unlock()
	if !h.running() {
		h.log.Debug("connection event ignored", "device", device, "state", h.state)
		return
	}
	h.connectionChanged(device, connected)
}

func (hd handler) MTUChanged(device string, mtu int) {
	h := hd.lock()
	defer h.unlock()
	h.mtuChanged(device, mtu)
}

// reject answers a request with failure
func (h *Hub) reject(device string, requestID int, reason string) {
	h.log.Warn("request rejected", "device", device, "reason", reason)
	if err := h.transport.Respond(device, requestID, link.StatusFailure, nil); err != nil {
		h.log.Debug("respond", "error", err)
	}
}

// subscriber returns the subscribed context of device or rejects the request
func (h *Hub) subscriber(device string, requestID int) *centralContext {
	if !h.running() {
		h.reject(device, requestID, "state "+h.state.String())
		return nil
	}
	ctx := h.find(device)
	if ctx == nil || !ctx.subscribed {
		h.reject(device, requestID, "not subscribed")
		return nil
	}
	return ctx
}

func (hd handler) ReadRequest(device string, requestID int, char uuid.UUID, offset int) {
	h := hd.lock()
	defer h.unlock()

	if char != h.id.Download {
		h.reject(device, requestID, "read on "+char.String())
		return
	}
	ctx := h.subscriber(device, requestID)
	if ctx == nil {
		return
	}
	if offset != 0 {
		h.reject(device, requestID, "read offset")
		h.unsubscribed(ctx)
		return
	}

	value := []byte{}
	if ctx.tx.Pending() > 0 {
		value = ctx.tx.NextWithContinuation(ctx.maxChunk)
		ctx.writing = ctx.tx.Pending() > 0
		h.log.Debug("read response", "device", device, "bytes", len(value), "remain", ctx.tx.Pending())
	} else {
		ctx.writing = false
	}
	if err := h.transport.Respond(device, requestID, link.StatusSuccess, value); err != nil {
		h.log.Warn("failed to respond", "device", device, "error", err)
		h.unsubscribed(ctx)
	}
}

func (hd handler) WriteRequest(device string, requestID int, char uuid.UUID, p WriteParams) {
	h := hd.lock()
	defer h.unlock()

	if char != h.id.Upload {
		h.reject(device, requestID, "write on "+char.String())
		return
	}
	ctx := h.subscriber(device, requestID)
	if ctx == nil {
		return
	}
	if p.Prepared || !p.ResponseNeeded || p.Offset != 0 {
		h.reject(device, requestID, "write parameters")
		h.unsubscribed(ctx)
		return
	}
	if err := h.transport.Respond(device, requestID, link.StatusSuccess, nil); err != nil {
		h.log.Warn("failed to respond", "device", device, "error", err)
		h.unsubscribed(ctx)
		return
	}

	if ctx.connID == 0 {
		// first write completes the handshake
		connID := h.nextConnID
		h.nextConnID++
		ctx.connID = connID
		h.log.Info("central connected", "device", device, "conn", connID)
		h.post(func(s EventSink) { s.OnConnect(connID) })
		return
	}
	h.receive(ctx, p.Value)
}

func (hd handler) DescriptorWriteRequest(device string, requestID int, descriptor uuid.UUID, p WriteParams) {
	h := hd.lock()
	defer h.unlock()

	if descriptor != link.NotificationDescriptor {
		h.reject(device, requestID, "descriptor "+descriptor.String())
		return
	}
	ctx := h.find(device)
	if ctx == nil {
		h.reject(device, requestID, "unknown device")
		return
	}

	switch {
	case bytes.Equal(p.Value, link.EnableIndication):
		if h.state != StateAdvertise {
			h.reject(device, requestID, "subscribe while not advertising")
			return
		}
		if err := h.transport.Respond(device, requestID, link.StatusSuccess, nil); err != nil {
			h.log.Warn("failed to respond", "device", device, "error", err)
			return
		}
		h.subscribed(ctx)
	case bytes.Equal(p.Value, link.DisableNotification):
		if !ctx.subscribed {
			h.reject(device, requestID, "not subscribed")
			return
		}
		if err := h.transport.Respond(device, requestID, link.StatusSuccess, nil); err != nil {
			h.log.Warn("failed to respond", "device", device, "error", err)
		}
		h.unsubscribed(ctx)
	default:
		h.reject(device, requestID, "descriptor value")
		h.unsubscribed(ctx)
	}
}

func (hd handler) NotificationSent(device string, err error) {
	h := hd.lock()
	defer h.unlock()
	h.notificationSent(device, err)
}
