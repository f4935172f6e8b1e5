package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// Nonce is the challenge sent in RequestAuth
type Nonce [16]byte

// NewNonce returns a random challenge with no zero bytes
func NewNonce() (Nonce, error) {
	var n Nonce
	for i := range n {
		for n[i] == 0 {
			var b [1]byte
			if _, err := rand.Read(b[:]); err != nil {
				return Nonce{}, fmt.Errorf("failed to generate nonce: %w", err)
			}
			n[i] = b[0]
		}
	}
	return n, nil
}

// AuthHash is the expected answer to a challenge: SHA256(key || nonce)
func AuthHash(key AuthKey, nonce Nonce) [32]byte {
	buf := make([]byte, 0, len(key)+len(nonce))
	buf = append(buf, key[:]...)
	buf = append(buf, nonce[:]...)
	return sha256.Sum256(buf)
}

// VerifyAuth compares a received hash in constant time
func VerifyAuth(want, got [32]byte) bool {
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}
