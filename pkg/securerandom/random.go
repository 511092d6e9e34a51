// Package securerandom generates cryptographically secure random key
// material. All key, nonce and ephemeral-key generation in the SDK goes
// through this package.
package securerandom

import (
	crand "crypto/rand"
	"fmt"
)

// Bytes returns byteLen cryptographically secure random bytes.
func Bytes(byteLen int) ([]byte, error) {
	b := make([]byte, byteLen)
	if _, err := crand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// MustBytes returns random bytes or panics. Use only in initialization or
// when failure is unrecoverable.
func MustBytes(byteLen int) []byte {
	b, err := Bytes(byteLen)
	if err != nil {
		panic(fmt.Sprintf("securerandom.Bytes failed: %v", err))
	}
	return b
}

// Key returns a fresh 32-byte symmetric or curve25519 key.
func Key() ([]byte, error) {
	return Bytes(32)
}
