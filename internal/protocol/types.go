package protocol

import "fmt"

// MessageType is the first byte of every system message
type MessageType byte

// System message types. Hub to guest types are 10-19, guest to hub 20+.
const (
	TypeRequestAuth MessageType = 10
	TypeAcceptAuth  MessageType = 11
	TypePlayerJoin  MessageType = 12
	TypePlayerLeave MessageType = 13
	TypeRespondAuth MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case TypeRequestAuth:
		return "RequestAuth"
	case TypeAcceptAuth:
		return "AcceptAuth"
	case TypePlayerJoin:
		return "PlayerJoin"
	case TypePlayerLeave:
		return "PlayerLeave"
	case TypeRespondAuth:
		return "RespondAuth"
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

// Message is a decoded system message
type Message interface {
	Type() MessageType
	encode(w *Writer)
}

// RequestAuth is the hub's challenge to a freshly connected guest
type RequestAuth struct {
	Nonce Nonce
}

// RespondAuth answers a challenge with SHA256(authKey || nonce) and the player name
type RespondAuth struct {
	Hash [32]byte
	Name string
}

// PlayerEntry is one roster line
type PlayerEntry struct {
	ID   uint16
	Name string
}

// AcceptAuth admits a guest: its own slot plus everyone already present
type AcceptAuth struct {
	PlayerID uint16
	Players  []PlayerEntry
}

// PlayerJoin announces a newly authenticated guest to the others
type PlayerJoin struct {
	PlayerID uint16
	Name     string
}

// PlayerLeave announces a departed guest
type PlayerLeave struct {
	PlayerID uint16
}

func (RequestAuth) Type() MessageType { return TypeRequestAuth }
func (RespondAuth) Type() MessageType { return TypeRespondAuth }
func (AcceptAuth) Type() MessageType  { return TypeAcceptAuth }
func (PlayerJoin) Type() MessageType  { return TypePlayerJoin }
func (PlayerLeave) Type() MessageType { return TypePlayerLeave }

func (m RequestAuth) encode(w *Writer) {
	w.WriteBytes(m.Nonce[:])
}

func (m RespondAuth) encode(w *Writer) {
	w.WriteBytes(m.Hash[:])
	w.WriteString(m.Name)
}

func (m AcceptAuth) encode(w *Writer) {
	w.WriteUint16(m.PlayerID)
	if len(m.Players) > 0xff {
		w.fail(fmt.Errorf("%w: %d players", ErrTooLong, len(m.Players)))
		return
	}
	w.WriteUint8(byte(len(m.Players)))
	for _, p := range m.Players {
		w.WriteUint16(p.ID)
		w.WriteString(p.Name)
	}
}

func (m PlayerJoin) encode(w *Writer) {
	w.WriteUint16(m.PlayerID)
	w.WriteString(m.Name)
}

func (m PlayerLeave) encode(w *Writer) {
	w.WriteUint16(m.PlayerID)
}
