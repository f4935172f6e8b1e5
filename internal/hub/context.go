package hub

import (
	"slices"
	"strings"

	"github.com/vitaminmoo/blesock/internal/frame"
	"github.com/vitaminmoo/blesock/internal/link"
)

// centralContext is the per-central state. It lives from transport
// connect to transport disconnect; unsubscribing resets it in place.
type centralContext struct {
	device     string
	subscribed bool
	connID     int
	playerID   int
	maxChunk   int

	acceptTimer link.Timer
	acceptSeq   int

	rx      *frame.Reassembler
	tx      *frame.TxQueue
	writing bool
}

func (h *Hub) newContext(device string) *centralContext {
	return &centralContext{
		device:   device,
		maxChunk: frame.DefaultChunkSize,
		rx:       frame.NewReassembler(h.cfg.BufferSize, frame.MaxMessageSize),
		tx:       frame.NewTxQueue(h.cfg.BufferSize),
	}
}

func (h *Hub) find(device string) *centralContext {
	for _, ctx := range h.contexts {
		if strings.EqualFold(ctx.device, device) {
			return ctx
		}
	}
	return nil
}

func (h *Hub) findConn(connID int) *centralContext {
	if connID == 0 {
		return nil
	}
	for _, ctx := range h.contexts {
		if ctx.connID == connID {
			return ctx
		}
	}
	return nil
}

func (h *Hub) connectionChanged(device string, connected bool) {
	ctx := h.find(device)

	if connected {
		if h.state != StateAdvertise {
			h.log.Warn("connect while not advertising", "device", device, "state", h.state)
			return
		}
		if ctx != nil {
			h.log.Warn("already connected", "device", device)
			return
		}
		h.log.Info("central connected", "device", device)
		h.contexts = append(h.contexts, h.newContext(device))
		return
	}

	if ctx == nil {
		h.log.Debug("disconnect from unknown device", "device", device)
		return
	}
	h.log.Info("central disconnected", "device", device, "conn", ctx.connID)
	h.contexts = slices.DeleteFunc(h.contexts, func(c *centralContext) bool { return c == ctx })
	h.unsubscribed(ctx)
	if h.notify.ownedBy(device) {
		h.notify.release()
		h.processNotificationQueue()
	}
}

func (h *Hub) mtuChanged(device string, mtu int) {
	ctx := h.find(device)
	if ctx == nil {
		h.log.Warn("could not apply mtu", "device", device, "mtu", mtu)
		return
	}
	if chunk := mtu - 3; chunk >= frame.MinChunkSize {
		ctx.maxChunk = chunk
	}
	h.log.Debug("mtu changed", "device", device, "mtu", mtu, "chunk", ctx.maxChunk)
}

// subscribed arms the acceptance timer; the central has that long to
// finish the handshake and be accepted
func (h *Hub) subscribed(ctx *centralContext) {
	if ctx.subscribed {
		h.log.Debug("already subscribed", "device", ctx.device)
		return
	}
	ctx.subscribed = true
	ctx.acceptSeq++
	seq := ctx.acceptSeq
	ctx.acceptTimer = h.clock.AfterFunc(h.cfg.AcceptanceTimeout, func() {
		h.mu.Lock()
		defer h.unlock()
		if seq != ctx.acceptSeq {
			return
		}
		ctx.acceptTimer = nil
		h.log.Warn("acceptance timeout", "device", ctx.device, "conn", ctx.connID)
		h.unsubscribed(ctx)
	})
	h.log.Info("central subscribed", "device", ctx.device)
}

// unsubscribed resets the context and reports the disconnect if the
// handshake had completed
func (h *Hub) unsubscribed(ctx *centralContext) {
	if !ctx.subscribed {
		return
	}
	ctx.subscribed = false
	connID := ctx.connID
	ctx.connID = 0
	ctx.playerID = 0
	ctx.stopAcceptTimer()
	ctx.rx.Reset()
	ctx.tx.Reset()
	ctx.writing = false
	h.notify.remove(connID)

	h.log.Info("central unsubscribed", "device", ctx.device, "conn", connID)
	if connID != 0 {
		h.post(func(s EventSink) { s.OnDisconnect(connID) })
	}
}

func (ctx *centralContext) stopAcceptTimer() {
	ctx.acceptSeq++
	if ctx.acceptTimer != nil {
		ctx.acceptTimer.Stop()
		ctx.acceptTimer = nil
	}
}
