package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ContentHash computes the key of a remembered host.
//
// The hash covers the protocol identifier and the peripheral address,
// not the advertised name, so a host that renames itself between
// sessions is still recognized as the same entry.
func ContentHash(protocol, address string) (string, error) {
	if protocol == "" || address == "" {
		return "", fmt.Errorf("protocol and address are required")
	}
	h := sha256.New()
	h.Write([]byte(protocol))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(address)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// ShortHash returns a shortened version of the hash for display purposes.
func ShortHash(fullHash string) string {
	// Remove "sha256:" prefix and take first 12 chars
	if len(fullHash) > 19 {
		return fullHash[7:19]
	}
	return fullHash
}
