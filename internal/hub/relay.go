package hub

import (
	"fmt"

	"github.com/vitaminmoo/blesock/internal/frame"
	"github.com/vitaminmoo/blesock/internal/link"
)

// selfAddress is the hub's own player slot
const selfAddress = 1

func (h *Hub) running() bool {
	return h.state == StateReady || h.state == StateAdvertise
}

// Accept binds a player mask to a handshake-complete connection and
// cancels its acceptance timer.
func (h *Hub) Accept(connID, playerID int) error {
	h.mu.Lock()
	defer h.unlock()

	if playerID <= 0 || playerID > frame.MaxAddress {
		return fmt.Errorf("accept %d: %w: %#x", connID, ErrInvalidPlayer, playerID)
	}
	ctx := h.findConn(connID)
	if ctx == nil {
		return fmt.Errorf("accept %d: %w", connID, ErrUnknownConnection)
	}
	if ctx.playerID != 0 {
		h.log.Debug("already accepted", "conn", connID)
	}
	ctx.playerID = playerID
	ctx.stopAcceptTimer()
	h.log.Info("accepted", "conn", connID, "player", playerID)
	return nil
}

// Invalidate drops the handshake of a connection. OnDisconnect follows.
func (h *Hub) Invalidate(connID int) error {
	h.mu.Lock()
	defer h.unlock()

	ctx := h.findConn(connID)
	if ctx == nil {
		return fmt.Errorf("invalidate %d: %w", connID, ErrUnknownConnection)
	}
	h.unsubscribed(ctx)
	return nil
}

// SendDirect queues an unaddressed message for one connection.
func (h *Hub) SendDirect(message []byte, connID int) error {
	h.mu.Lock()
	defer h.unlock()

	if !h.running() {
		return fmt.Errorf("send direct: %w: %s", link.ErrInvalidState, h.state)
	}
	if len(message) > frame.MaxMessageSize {
		return fmt.Errorf("send direct: %w", frame.ErrMessageTooLarge)
	}
	ctx := h.findConn(connID)
	if ctx == nil {
		return fmt.Errorf("send direct %d: %w", connID, ErrUnknownConnection)
	}
	return h.sendInternal(ctx, message, 0)
}

// Send queues a message from the hub for every connection whose player
// mask intersects receivers.
func (h *Hub) Send(message []byte, receivers int) error {
	h.mu.Lock()
	defer h.unlock()

	if !h.running() {
		return fmt.Errorf("send: %w: %s", link.ErrInvalidState, h.state)
	}
	if len(message) > frame.MaxMessageSize {
		return fmt.Errorf("send: %w", frame.ErrMessageTooLarge)
	}
	for _, ctx := range h.snapshot() {
		if ctx.playerID&receivers != 0 {
			// a full queue only costs that connection
			_ = h.sendInternal(ctx, message, selfAddress)
		}
	}
	return nil
}

// snapshot copies the context list so sends may unsubscribe while iterating
func (h *Hub) snapshot() []*centralContext {
	out := make([]*centralContext, len(h.contexts))
	copy(out, h.contexts)
	return out
}

// receive feeds one upload write into reassembly and routes every frame
func (h *Hub) receive(ctx *centralContext, value []byte) {
	h.log.Debug("received", "device", ctx.device, "bytes", len(value), "buffered", ctx.rx.Buffered())

	frames, err := ctx.rx.Feed(value)
	for _, f := range frames {
		h.route(ctx, f.Payload, int(f.Address))
	}
	if err != nil {
		h.log.Warn("protocol violation", "device", ctx.device, "conn", ctx.connID, "error", err)
		h.unsubscribed(ctx)
	}
}

// route relays an addressed frame to the other players it names and
// delivers it locally when it names the hub or nobody
func (h *Hub) route(from *centralContext, message []byte, to int) {
	if from.playerID != 0 && to != 0 {
		sender := from.playerID
		for _, ctx := range h.snapshot() {
			if ctx == from || ctx.connID == 0 || ctx.playerID&to == 0 {
				continue
			}
			_ = h.sendInternal(ctx, message, sender)
		}
		if to&selfAddress != 0 {
			h.post(func(s EventSink) { s.OnReceive(message, sender) })
		}
	}
	if to == 0 {
		connID := from.connID
		h.post(func(s EventSink) { s.OnReceiveDirect(message, connID) })
	}
}
