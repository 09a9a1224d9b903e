package securerandom

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	id, err := ID(16)
	require.NoError(t, err)
	assert.Len(t, id, 32)

	_, err = hex.DecodeString(id)
	assert.NoError(t, err, "ID should be valid hex")
}

func TestIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := MustID(16)
		assert.False(t, seen[id], "duplicate ID generated")
		seen[id] = true
	}
}

func TestBytes(t *testing.T) {
	b, err := Bytes(32)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b2 := MustBytes(32)
	assert.NotEqual(t, b, b2)
}

func TestFill(t *testing.T) {
	b := make([]byte, 32)
	require.NoError(t, Fill(b))

	allZero := true
	for _, v := range b {
		if v != 0 {
			allZero = false
		}
	}
	assert.False(t, allZero, "Fill left buffer zeroed")
}

func TestNonce(t *testing.T) {
	n, err := Nonce(12)
	require.NoError(t, err)
	assert.Len(t, n, 12)
}
