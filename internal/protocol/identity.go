// Package protocol defines the session layer carried over the message
// channel: identity derivation from a protocol name, player addressing and
// the system messages of the authentication handshake.
package protocol

import (
	"crypto/sha1"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/vitaminmoo/blesock/internal/link"
)

// Player addresses. Slot bit 0 is the host; guests get bits 1..15.
const (
	Host   = 1
	All    = 0xffff
	Others = 0x10000
)

// Limits
const (
	MaxPlayerName = 32
	MaxDeviceName = 27
	MaxPlayers    = 16
)

var (
	// ErrEmptyProtocol is returned by DeriveIdentity for an empty protocol name
	ErrEmptyProtocol = errors.New("empty protocol identifier")

	// ErrInvalidName is returned for an empty or oversized player or device name
	ErrInvalidName = errors.New("invalid name")
)

// key derivation parameters shared by every implementation of the protocol
var kdfSalt = []byte{0x6d, 0x9f, 0x67, 0x59, 0x05, 0xc8, 0xbb, 0x21}

const kdfIterations = 1193

// AuthKey is the shared secret both sides derive from the protocol name
type AuthKey [16]byte

// DeriveIdentity derives the service identity and authentication key of
// a protocol name. Every peer that knows the name arrives at the same
// three UUIDs, so the name alone selects which hosts a guest can see.
func DeriveIdentity(protocolID string) (link.ServiceIdentity, AuthKey, error) {
	if protocolID == "" {
		return link.ServiceIdentity{}, AuthKey{}, ErrEmptyProtocol
	}
	dk := pbkdf2.Key([]byte(protocolID), kdfSalt, kdfIterations, 64, sha1.New)

	id := link.ServiceIdentity{
		Service:  guidFromBytes(dk[0:16]),
		Upload:   guidFromBytes(dk[16:32]),
		Download: guidFromBytes(dk[32:48]),
	}
	var key AuthKey
	copy(key[:], dk[48:64])
	return id, key, nil
}

// guidFromBytes reads 16 bytes in the mixed-endian GUID layout: the first
// three groups are little-endian
func guidFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b)
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	return u
}

// Resolve turns a receiver mask into the wire address for a sender whose
// own slot is local. Others expands to every slot except the sender's.
func Resolve(receiver, local int) int {
	if receiver&Others != 0 {
		receiver |= ^local
	}
	return receiver & All
}

// ValidPlayerName reports whether name can be announced in a roster
func ValidPlayerName(name string) bool {
	return name != "" && utf8.RuneCountInString(name) <= MaxPlayerName
}

// ValidDeviceName reports whether name fits an advertisement
func ValidDeviceName(name string) bool {
	return name != "" && len(name) <= MaxDeviceName
}
