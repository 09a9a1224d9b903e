// Package securerandom wraps crypto/rand for the places the machine
// needs raw random material outside a key generator: the key-export
// container's salt and IV.
package securerandom

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
)

// ID generates a random identifier of the given byte length, returned
// hex-encoded (twice the byte length in characters).
func ID(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	if _, err := crand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MustID generates a random ID or panics. Use only in initialization
// or when failure is unrecoverable.
func MustID(byteLen int) string {
	id, err := ID(byteLen)
	if err != nil {
		panic(fmt.Sprintf("securerandom.ID failed: %v", err))
	}
	return id
}

// Bytes generates byteLen cryptographically secure random bytes.
func Bytes(byteLen int) ([]byte, error) {
	b := make([]byte, byteLen)
	if _, err := crand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// MustBytes generates random bytes or panics.
func MustBytes(byteLen int) []byte {
	b, err := Bytes(byteLen)
	if err != nil {
		panic(fmt.Sprintf("securerandom.Bytes failed: %v", err))
	}
	return b
}

// Fill fills b with cryptographically secure random bytes.
func Fill(b []byte) error {
	if _, err := crand.Read(b); err != nil {
		return fmt.Errorf("failed to fill random bytes: %w", err)
	}
	return nil
}

// MustFill fills b with random bytes or panics.
func MustFill(b []byte) {
	if err := Fill(b); err != nil {
		panic(fmt.Sprintf("securerandom.Fill failed: %v", err))
	}
}

// Nonce generates a random nonce of the given length.
func Nonce(byteLen int) ([]byte, error) {
	return Bytes(byteLen)
}
