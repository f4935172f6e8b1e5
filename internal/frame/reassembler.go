package frame

import (
	"encoding/binary"
	"fmt"
)

// Reassembler accumulates raw transport chunks and yields complete frames.
// Size and address are read strictly before any payload accumulates, so a
// header split across chunks is picked up where it left off.
type Reassembler struct {
	buf      []byte
	capacity int
	maxFrame int

	// -1 until read from the stream
	size    int
	address int
}

// NewReassembler creates a reassembler holding at most capacity unparsed bytes.
// maxFrame bounds the declared payload size; 0 disables the check.
func NewReassembler(capacity, maxFrame int) *Reassembler {
	if capacity <= 0 {
		capacity = BufferSize
	}
	return &Reassembler{
		buf:      make([]byte, 0, capacity),
		capacity: capacity,
		maxFrame: maxFrame,
		size:     -1,
		address:  -1,
	}
}

// Feed appends chunk and decodes every frame that is now complete.
// Frames decoded before an error are still returned, in arrival order.
// Both ErrBufferOverflow and ErrFrameTooLarge are fatal to the connection.
func (r *Reassembler) Feed(chunk []byte) ([]Frame, error) {
	if len(r.buf)+len(chunk) > r.capacity {
		return nil, fmt.Errorf("%w: %d buffered + %d incoming > %d",
			ErrBufferOverflow, len(r.buf), len(chunk), r.capacity)
	}
	r.buf = append(r.buf, chunk...)

	var frames []Frame
	for {
		if r.size < 0 {
			if len(r.buf) < 2 {
				break
			}
			r.size = int(binary.LittleEndian.Uint16(r.buf))
			r.consume(2)
			if r.maxFrame > 0 && r.size > r.maxFrame {
				return frames, fmt.Errorf("%w: %d", ErrFrameTooLarge, r.size)
			}
		}
		if r.address < 0 {
			if len(r.buf) < 2 {
				break
			}
			r.address = int(binary.LittleEndian.Uint16(r.buf))
			r.consume(2)
		}
		if len(r.buf) < r.size {
			break
		}

		payload := make([]byte, r.size)
		copy(payload, r.buf[:r.size])
		r.consume(r.size)
		frames = append(frames, Frame{Address: uint16(r.address), Payload: payload})

		r.size = -1
		r.address = -1
	}
	return frames, nil
}

// Buffered returns the number of bytes waiting for a frame to complete
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reset drops all partial state
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.size = -1
	r.address = -1
}

func (r *Reassembler) consume(n int) {
	r.buf = r.buf[:copy(r.buf, r.buf[n:])]
}
