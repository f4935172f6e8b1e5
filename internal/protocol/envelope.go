package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortMessage is returned when a system message ends early
	ErrShortMessage = errors.New("system message truncated")

	// ErrUnknownType is returned for an unrecognized message type byte
	ErrUnknownType = errors.New("unknown system message type")

	// ErrTooLong is returned when a string or list does not fit its length byte
	ErrTooLong = errors.New("field too long")
)

// Marshal encodes a system message.
// Format:
//
//	byte 0:   message type
//	bytes 1+: fields, little-endian
//	          uint16 = 2 bytes
//	          string = 1 length byte + UTF-8 bytes
func Marshal(m Message) ([]byte, error) {
	w := &Writer{}
	w.WriteUint8(byte(m.Type()))
	m.encode(w)
	return w.Bytes()
}

// Unmarshal decodes a system message. Trailing bytes are ignored.
func Unmarshal(data []byte) (Message, error) {
	r := NewReader(data)
	t := MessageType(r.ReadUint8())
	if err := r.Err(); err != nil {
		return nil, err
	}

	var m Message
	switch t {
	case TypeRequestAuth:
		var msg RequestAuth
		copy(msg.Nonce[:], r.ReadBytes(len(msg.Nonce)))
		m = msg
	case TypeRespondAuth:
		var msg RespondAuth
		copy(msg.Hash[:], r.ReadBytes(len(msg.Hash)))
		msg.Name = r.ReadString()
		m = msg
	case TypeAcceptAuth:
		var msg AcceptAuth
		msg.PlayerID = r.ReadUint16()
		n := int(r.ReadUint8())
		for i := 0; i < n && r.Err() == nil; i++ {
			id := r.ReadUint16()
			name := r.ReadString()
			msg.Players = append(msg.Players, PlayerEntry{ID: id, Name: name})
		}
		m = msg
	case TypePlayerJoin:
		var msg PlayerJoin
		msg.PlayerID = r.ReadUint16()
		msg.Name = r.ReadString()
		m = msg
	case TypePlayerLeave:
		m = PlayerLeave{PlayerID: r.ReadUint16()}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, byte(t))
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	return m, nil
}

// Writer builds a little-endian message. The first error sticks and is
// reported by Bytes.
type Writer struct {
	buf []byte
	err error
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// WriteUint8 appends one byte
func (w *Writer) WriteUint8(b byte) {
	w.buf = append(w.buf, b)
}

// WriteUint16 appends a little-endian uint16
func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteBytes appends raw bytes
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteString appends a length-prefixed UTF-8 string of at most 255 bytes
func (w *Writer) WriteString(s string) {
	if len(s) > 0xff {
		w.fail(fmt.Errorf("%w: string of %d bytes", ErrTooLong, len(s)))
		return
	}
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes returns the encoded message
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Reader consumes a little-endian message. Reads past the end return zero
// values and set Err.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader returns a Reader over data
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrShortMessage, n, r.off, len(r.data))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// ReadUint8 reads one byte
func (r *Reader) ReadUint8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadUint16 reads a little-endian uint16
func (r *Reader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadBytes reads n raw bytes
func (r *Reader) ReadBytes(n int) []byte {
	return r.take(n)
}

// ReadString reads a length-prefixed UTF-8 string
func (r *Reader) ReadString() string {
	n := int(r.ReadUint8())
	return string(r.take(n))
}

// Err returns the first read error
func (r *Reader) Err() error {
	return r.err
}
