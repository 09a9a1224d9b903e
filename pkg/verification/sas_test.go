package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptomachine/e2eemachine/pkg/primitives"
)

func TestDecimalsInRange(t *testing.T) {
	cases := [][]byte{
		{0, 0, 0, 0, 0, 0},
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC},
	}
	for _, b := range cases {
		d := Decimals(b)
		for _, n := range d {
			assert.GreaterOrEqual(t, n, 1000)
			assert.LessOrEqual(t, n, 9191)
		}
	}
}

func TestDecimalsZero(t *testing.T) {
	d := Decimals([]byte{0, 0, 0, 0, 0, 0})
	assert.Equal(t, [3]int{1000, 1000, 1000}, d)
}

func TestEmojiIndicesBounds(t *testing.T) {
	idx := EmojiIndices([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	for _, n := range idx {
		assert.Equal(t, 63, n)
	}
	idx = EmojiIndices([]byte{0, 0, 0, 0, 0, 0})
	for _, n := range idx {
		assert.Equal(t, 0, n)
	}
}

func TestEmojiIndicesFirstGroup(t *testing.T) {
	// 0b111111 in the top six bits selects the last table entry.
	idx := EmojiIndices([]byte{0xFC, 0, 0, 0, 0, 0})
	assert.Equal(t, 63, idx[0])
	assert.Equal(t, 0, idx[1])
}

func TestEmojiTableComplete(t *testing.T) {
	for i, e := range EmojiTable {
		assert.NotEmpty(t, e.Symbol, "entry %d", i)
		assert.NotEmpty(t, e.Description, "entry %d", i)
	}
}

func TestSharedSecretSymmetry(t *testing.T) {
	a, err := primitives.GenerateCurve25519KeyPair()
	require.NoError(t, err)
	b, err := primitives.GenerateCurve25519KeyPair()
	require.NoError(t, err)

	sa := &sasState{ourKey: a, theirKey: b.PublicKeyString()}
	sb := &sasState{ourKey: b, theirKey: a.PublicKeyString()}
	require.NoError(t, sa.computeShared())
	require.NoError(t, sb.computeShared())
	assert.Equal(t, sa.shared, sb.shared)

	info := sasInfo("@a:x", "D1", sa.ourKeyB64(), "@b:x", "D2", sb.ourKeyB64(), "txn")
	ba, err := sa.sasBytes(info)
	require.NoError(t, err)
	bb, err := sb.sasBytes(info)
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
	assert.Equal(t, EmojisFor(ba), EmojisFor(bb))
}

func TestCommitmentBindsKeyAndStart(t *testing.T) {
	c1 := commitmentFor("key-one", []byte(`{"start":1}`))
	assert.Equal(t, c1, commitmentFor("key-one", []byte(`{"start":1}`)))
	assert.NotEqual(t, c1, commitmentFor("key-two", []byte(`{"start":1}`)))
	assert.NotEqual(t, c1, commitmentFor("key-one", []byte(`{"start":2}`)))
}

func TestMACSymmetry(t *testing.T) {
	a, err := primitives.GenerateCurve25519KeyPair()
	require.NoError(t, err)
	b, err := primitives.GenerateCurve25519KeyPair()
	require.NoError(t, err)

	sa := &sasState{ourKey: a, theirKey: b.PublicKeyString()}
	sb := &sasState{ourKey: b, theirKey: a.PublicKeyString()}
	require.NoError(t, sa.computeShared())
	require.NoError(t, sb.computeShared())

	// Alice's MAC over her key verifies when Bob recomputes it with
	// the same direction parameters.
	got, err := sa.computeMAC("@a:x", "D1", "@b:x", "D2", "txn", "ed25519:D1", "alice-key")
	require.NoError(t, err)
	want, err := sb.computeMAC("@a:x", "D1", "@b:x", "D2", "txn", "ed25519:D1", "alice-key")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Direction matters.
	other, err := sb.computeMAC("@b:x", "D2", "@a:x", "D1", "txn", "ed25519:D1", "alice-key")
	require.NoError(t, err)
	assert.NotEqual(t, got, other)
}

func TestLexicographicTieBreak(t *testing.T) {
	assert.True(t, lexicographicallySmaller("@a:x", "D1", "@b:x", "D2"))
	assert.False(t, lexicographicallySmaller("@b:x", "D2", "@a:x", "D1"))
	assert.True(t, lexicographicallySmaller("@a:x", "D1", "@a:x", "D2"))
	assert.False(t, lexicographicallySmaller("@a:x", "D2", "@a:x", "D1"))
}
