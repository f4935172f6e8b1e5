package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxMessageSize is the largest payload a single frame may carry
	MaxMessageSize = 4096

	// BufferSize is the capacity of the per-connection send and receive accumulators
	BufferSize = 8192

	// HeaderSize is the size of the size+address prefix
	HeaderSize = 4

	// DefaultChunkSize is the transfer size before MTU negotiation (ATT MTU 23 minus 3)
	DefaultChunkSize = 20

	// MinChunkSize is the smallest chunk that still carries a header plus one byte
	MinChunkSize = HeaderSize + 1

	// MaxAddress is the largest value the 16-bit address field can hold
	MaxAddress = 0xffff
)

var (
	ErrMessageTooLarge = errors.New("frame: message too large")
	ErrAddressRange    = errors.New("frame: address out of range")
	ErrBufferOverflow  = errors.New("frame: buffer overflow")
	ErrFrameTooLarge   = errors.New("frame: declared size too large")
)

// Frame is one decoded wire unit.
type Frame struct {
	Address uint16
	Payload []byte
}

// Encode builds the wire form of a single frame.
// Format:
//
//	bytes 0-1: payload size (little-endian)
//	bytes 2-3: address (little-endian)
//	bytes 4+:  payload
func Encode(message []byte, address int) ([]byte, error) {
	return Append(make([]byte, 0, HeaderSize+len(message)), message, address)
}

// Append encodes a frame onto dst and returns the extended slice
func Append(dst, message []byte, address int) ([]byte, error) {
	if err := check(message, address); err != nil {
		return dst, err
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(message)))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(address))
	return append(dst, message...), nil
}

// EncodedSize returns the number of wire bytes a message occupies
func EncodedSize(message []byte) int {
	return HeaderSize + len(message)
}

func check(message []byte, address int) error {
	if len(message) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(message))
	}
	if address < 0 || address > MaxAddress {
		return fmt.Errorf("%w: %d", ErrAddressRange, address)
	}
	return nil
}
