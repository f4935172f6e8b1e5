package frame

import "fmt"

// TxQueue serializes outbound frames into chunk-sized transfers.
// It only holds bytes; deciding when a transfer may start is up to the
// owning state machine.
type TxQueue struct {
	buf      []byte
	capacity int
}

// NewTxQueue creates a queue holding at most capacity encoded bytes
func NewTxQueue(capacity int) *TxQueue {
	if capacity <= 0 {
		capacity = BufferSize
	}
	return &TxQueue{
		buf:      make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue encodes message and appends it. Nothing is appended on error.
func (q *TxQueue) Enqueue(message []byte, address int) error {
	if err := check(message, address); err != nil {
		return err
	}
	if len(q.buf)+EncodedSize(message) > q.capacity {
		return fmt.Errorf("%w: %d queued + %d > %d",
			ErrBufferOverflow, len(q.buf), EncodedSize(message), q.capacity)
	}
	q.buf, _ = Append(q.buf, message, address)
	return nil
}

// Pending returns the number of unsent bytes
func (q *TxQueue) Pending() int {
	return len(q.buf)
}

// Next removes and returns up to maxChunk bytes from the front of the queue.
// Returns nil when the queue is empty.
func (q *TxQueue) Next(maxChunk int) []byte {
	if len(q.buf) == 0 {
		return nil
	}
	return q.take(maxChunk)
}

// NextWithContinuation returns up to maxChunk-1 bytes followed by one
// trailing byte: 1 if bytes remain queued afterwards, 0 otherwise.
// The returned value is never empty.
func (q *TxQueue) NextWithContinuation(maxChunk int) []byte {
	data := q.take(maxChunk - 1)
	value := make([]byte, len(data)+1)
	copy(value, data)
	if len(q.buf) > 0 {
		value[len(data)] = 1
	}
	return value
}

// Reset drops all queued bytes
func (q *TxQueue) Reset() {
	q.buf = q.buf[:0]
}

func (q *TxQueue) take(n int) []byte {
	if n < 1 {
		n = 1
	}
	if n > len(q.buf) {
		n = len(q.buf)
	}
	out := make([]byte, n)
	copy(out, q.buf[:n])
	q.buf = q.buf[:copy(q.buf, q.buf[n:])]
	return out
}
