package central

import (
	"errors"
	"fmt"
	"slices"

	"github.com/vitaminmoo/blesock/internal/frame"
	"github.com/vitaminmoo/blesock/internal/link"
)

// Send queues a message for the peripheral. It never blocks: the first
// chunk is written now if the link is idle, the rest follow as writes
// complete.
func (c *Central) Send(message []byte, to int) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateOnline || c.closing {
		return fmt.Errorf("send: %w: %s", link.ErrInvalidState, c.state)
	}
	if err := c.tx.Enqueue(message, to); err != nil {
		if errors.Is(err, frame.ErrBufferOverflow) {
			c.handleError(err)
		}
		return fmt.Errorf("send: %w", err)
	}

	if !c.busy {
		c.writeNext()
	} else {
		c.queue(opWrite)
	}
	return nil
}

func (c *Central) queue(op operation) {
	if !slices.Contains(c.ops, op) {
		c.ops = append(c.ops, op)
	}
}

func (c *Central) writeNext() {
	chunk := c.tx.Next(c.maxChunk)
	if chunk == nil {
		return
	}
	c.log.Debug("writeCharacteristic", "bytes", len(chunk), "remain", c.tx.Pending())
	if err := c.transport.Write(c.handle, c.id.Upload, chunk); err != nil {
		c.handleError(fmt.Errorf("failed to write: %w", err))
		return
	}
	c.busy = true
}

func (c *Central) readNext() {
	c.log.Debug("readCharacteristic")
	if err := c.transport.Read(c.handle, c.id.Download); err != nil {
		c.handleError(fmt.Errorf("failed to read: %w", err))
		return
	}
	c.busy = true
}

// pump runs deferred operations once the link is idle. Pending transmit
// bytes are always written, whether or not a write marker was queued.
func (c *Central) pump() {
	for !c.busy && !c.closing && len(c.ops) > 0 {
		op := c.ops[0]
		c.ops = c.ops[1:]
		switch op {
		case opRead:
			c.readNext()
		case opWrite:
			c.writeNext()
		}
	}
	if !c.busy && !c.closing && c.tx.Pending() > 0 {
		c.writeNext()
	}
}

// receive feeds one download value into reassembly and reports whether
// the peripheral has more bytes queued. ok is false after a fatal error.
func (c *Central) receive(value []byte) (more, ok bool) {
	data := value[:len(value)-1]
	more = value[len(value)-1] != 0
	c.log.Debug("received", "bytes", len(data), "buffered", c.rx.Buffered())

	frames, err := c.rx.Feed(data)
	for _, f := range frames {
		msg, from := f.Payload, int(f.Address)
		c.post(func(s EventSink) { s.OnReceive(msg, from) })
	}
	if err != nil {
		c.handleError(fmt.Errorf("failed to reassemble: %w", err))
		return false, false
	}
	return more, true
}

func (c *Central) characteristicChanged(value []byte) {
	if len(value) == 0 {
		c.log.Debug("empty notification")
		return
	}
	more, ok := c.receive(value)
	if !ok || !more {
		return
	}
	if !c.busy {
		c.readNext()
	} else {
		c.queue(opRead)
	}
}

func (c *Central) characteristicRead(value []byte, err error) {
	if err != nil {
		c.handleError(fmt.Errorf("failed to read: %w", err))
		return
	}
	c.busy = false
	if len(value) > 1 {
		more, ok := c.receive(value)
		if !ok {
			return
		}
		if more {
			c.queue(opRead)
		}
	}
	c.pump()
}

func (c *Central) characteristicWritten(err error) {
	if err != nil {
		c.handleError(fmt.Errorf("failed to write: %w", err))
		return
	}
	c.busy = false
	c.pump()
}
