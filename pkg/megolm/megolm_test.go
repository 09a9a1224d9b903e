package megolm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptomachine/e2eemachine/pkg/types"
)

const (
	testRoom   = types.RoomID("!room:example.org")
	testSender = types.Curve25519PublicKey("sender-curve-key")
)

var pickleKey = make([]byte, 32)

func newPair(t *testing.T) (*OutboundSession, *InboundSession) {
	t.Helper()
	outbound, err := NewOutboundSession(testRoom)
	require.NoError(t, err)
	inbound, err := outbound.InboundFromOutbound(testSender)
	require.NoError(t, err)
	return outbound, inbound
}

func TestEncryptDecrypt(t *testing.T) {
	outbound, inbound := newPair(t)
	require.Equal(t, outbound.ID(), inbound.ID())

	ciphertext, err := outbound.Encrypt([]byte("hello group"))
	require.NoError(t, err)

	plain, index, err := inbound.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hello group", string(plain))
	assert.Equal(t, uint32(0), index)
	assert.Equal(t, 1, outbound.MessageCount())
}

func TestOutOfOrderIndices(t *testing.T) {
	outbound, inbound := newPair(t)

	var msgs []string
	for i := 0; i < 3; i++ {
		c, err := outbound.Encrypt([]byte{byte('a' + i)})
		require.NoError(t, err)
		msgs = append(msgs, c)
	}

	// Later indices decrypt first; earlier ones still work because the
	// inbound chain stays at its first known index.
	plain, index, err := inbound.Decrypt(msgs[2])
	require.NoError(t, err)
	assert.Equal(t, "c", string(plain))
	assert.Equal(t, uint32(2), index)

	plain, index, err = inbound.Decrypt(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "a", string(plain))
	assert.Equal(t, uint32(0), index)
}

func TestFirstKnownIndexBoundsDecryption(t *testing.T) {
	outbound, err := NewOutboundSession(testRoom)
	require.NoError(t, err)

	early, err := outbound.Encrypt([]byte("early"))
	require.NoError(t, err)

	// A recipient joining at index 1 cannot read index 0.
	inbound, err := outbound.InboundFromOutbound(testSender)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), inbound.FirstKnownIndex())

	_, _, err = inbound.Decrypt(early)
	assert.Error(t, err)

	late, err := outbound.Encrypt([]byte("late"))
	require.NoError(t, err)
	plain, _, err := inbound.Decrypt(late)
	require.NoError(t, err)
	assert.Equal(t, "late", string(plain))
}

func TestTamperedMessageRejected(t *testing.T) {
	outbound, inbound := newPair(t)
	ciphertext, err := outbound.Encrypt([]byte("authentic"))
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	tampered[len(tampered)/2] ^= 0x01
	_, _, err = inbound.Decrypt(string(tampered))
	assert.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	outbound, inbound := newPair(t)
	ciphertext, err := outbound.Encrypt([]byte("survives export"))
	require.NoError(t, err)

	exported, err := inbound.ExportAtFirstKnownIndex()
	require.NoError(t, err)
	assert.Equal(t, testRoom, exported.RoomID)
	assert.Equal(t, inbound.ID(), exported.SessionID)

	imported, err := ImportSession(exported)
	require.NoError(t, err)
	assert.True(t, imported.Imported())
	assert.Equal(t, inbound.FirstKnownIndex(), imported.FirstKnownIndex())

	plain, _, err := imported.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "survives export", string(plain))
}

func TestImportRejectsUnknownAlgorithm(t *testing.T) {
	_, inbound := newPair(t)
	exported, err := inbound.ExportAtFirstKnownIndex()
	require.NoError(t, err)
	exported.Algorithm = "m.unsupported.v0"
	_, err = ImportSession(exported)
	assert.Error(t, err)
}

func TestPickleRoundTrip(t *testing.T) {
	outbound, inbound := newPair(t)
	first, err := outbound.Encrypt([]byte("before pickle"))
	require.NoError(t, err)

	sealedOut, err := outbound.Pickle(pickleKey)
	require.NoError(t, err)
	restoredOut, err := UnpickleOutbound(sealedOut, pickleKey)
	require.NoError(t, err)
	assert.Equal(t, outbound.ID(), restoredOut.ID())
	assert.Equal(t, 1, restoredOut.MessageCount())

	sealedIn, err := inbound.Pickle(pickleKey)
	require.NoError(t, err)
	restoredIn, err := UnpickleInbound(sealedIn, pickleKey)
	require.NoError(t, err)

	plain, _, err := restoredIn.Decrypt(first)
	require.NoError(t, err)
	assert.Equal(t, "before pickle", string(plain))

	second, err := restoredOut.Encrypt([]byte("after pickle"))
	require.NoError(t, err)
	plain, _, err = restoredIn.Decrypt(second)
	require.NoError(t, err)
	assert.Equal(t, "after pickle", string(plain))
}

func TestInvalidatedSessionRefusesEncrypt(t *testing.T) {
	outbound, _ := newPair(t)
	outbound.Invalidate()
	_, err := outbound.Encrypt([]byte("nope"))
	assert.Error(t, err)
}

func TestRatchetAdvanceRollover(t *testing.T) {
	outbound, inbound := newPair(t)

	// Cross the 2^8 boundary so higher ratchet parts rehash.
	var last string
	for i := 0; i < 300; i++ {
		c, err := outbound.Encrypt([]byte("n"))
		require.NoError(t, err)
		last = c
	}
	plain, index, err := inbound.Decrypt(last)
	require.NoError(t, err)
	assert.Equal(t, "n", string(plain))
	assert.Equal(t, uint32(299), index)
}
