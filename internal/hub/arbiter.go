package hub

import (
	"fmt"
	"slices"
	"strings"
)

// arbiter owns the single in-flight notify shared by every connection.
// Waiting connections are served in FIFO order.
type arbiter struct {
	device string
	queue  []int
}

func (a *arbiter) idle() bool {
	return a.device == ""
}

func (a *arbiter) acquire(device string) {
	a.device = device
}

func (a *arbiter) ownedBy(device string) bool {
	return !a.idle() && strings.EqualFold(a.device, device)
}

func (a *arbiter) release() {
	a.device = ""
}

// wait queues connID once; a context already waiting keeps its place
func (a *arbiter) wait(connID int) {
	if slices.Contains(a.queue, connID) {
		return
	}
	a.queue = append(a.queue, connID)
}

func (a *arbiter) remove(connID int) {
	a.queue = slices.DeleteFunc(a.queue, func(id int) bool { return id == connID })
}

func (a *arbiter) pop() (int, bool) {
	if len(a.queue) == 0 {
		return 0, false
	}
	id := a.queue[0]
	a.queue = a.queue[1:]
	return id, true
}

func (a *arbiter) reset() {
	a.release()
	a.queue = nil
}

// sendInternal queues a frame for one context and starts delivery if it
// is not already in progress
func (h *Hub) sendInternal(ctx *centralContext, message []byte, address int) error {
	if err := ctx.tx.Enqueue(message, address); err != nil {
		h.log.Warn("failed to queue message", "conn", ctx.connID, "error", err)
		h.unsubscribed(ctx)
		return fmt.Errorf("conn %d: %w", ctx.connID, err)
	}
	if ctx.writing {
		return nil
	}
	ctx.writing = true
	if h.notify.idle() {
		h.sendNotification(ctx)
	} else {
		h.notify.wait(ctx.connID)
	}
	return nil
}

// sendNotification pushes the next chunk of ctx and takes the notify slot
func (h *Hub) sendNotification(ctx *centralContext) bool {
	value := ctx.tx.NextWithContinuation(ctx.maxChunk)
	ctx.writing = ctx.tx.Pending() > 0
	h.log.Debug("notify", "device", ctx.device, "bytes", len(value), "remain", ctx.tx.Pending())

	if err := h.transport.Notify(ctx.device, h.id.Download, value); err != nil {
		h.log.Warn("failed to notify", "device", ctx.device, "error", err)
		h.unsubscribed(ctx)
		return false
	}
	h.notify.acquire(ctx.device)
	return true
}

// processNotificationQueue starts the first waiter that still has bytes
func (h *Hub) processNotificationQueue() {
	for {
		connID, ok := h.notify.pop()
		if !ok {
			return
		}
		ctx := h.findConn(connID)
		if ctx == nil {
			h.log.Debug("notify waiter gone", "conn", connID)
			continue
		}
		if !ctx.writing {
			continue
		}
		if h.sendNotification(ctx) {
			return
		}
	}
}

func (h *Hub) notificationSent(device string, err error) {
	if !h.notify.ownedBy(device) {
		h.log.Debug("stale notify completion", "device", device)
		return
	}
	if err != nil {
		h.log.Warn("notify failed", "device", device, "error", err)
		if ctx := h.find(device); ctx != nil {
			h.unsubscribed(ctx)
		}
	}
	h.notify.release()
	h.processNotificationQueue()
}
