package olm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptomachine/e2eemachine/pkg/primitives"
)

var pickleKey = make([]byte, 32)

type testPeer struct {
	identity primitives.Curve25519KeyPair
	otk      primitives.Curve25519KeyPair
}

func newTestPeer(t *testing.T) testPeer {
	t.Helper()
	identity, err := primitives.GenerateCurve25519KeyPair()
	require.NoError(t, err)
	otk, err := primitives.GenerateCurve25519KeyPair()
	require.NoError(t, err)
	return testPeer{identity: identity, otk: otk}
}

func newTestPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	alice := newTestPeer(t)
	bob := newTestPeer(t)

	outbound, err := NewOutbound(alice.identity.Private, alice.identity.PublicKeyString(),
		bob.identity.PublicKeyString(), bob.otk.PublicKeyString())
	require.NoError(t, err)

	first, err := outbound.Encrypt([]byte("first"))
	require.NoError(t, err)
	require.Equal(t, MessageTypePreKey, first.Type)

	inbound, err := NewInbound(bob.identity.Private, bob.otk.Private, first)
	require.NoError(t, err)
	plain, err := inbound.Decrypt(first)
	require.NoError(t, err)
	require.Equal(t, "first", string(plain))

	return outbound, inbound
}

func TestHandshakeRoundTrip(t *testing.T) {
	outbound, inbound := newTestPair(t)

	assert.Equal(t, outbound.ID(), inbound.ID())

	// The receiver's replies are normal messages from the start.
	reply, err := inbound.Encrypt([]byte("reply"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeNormal, reply.Type)

	plain, err := outbound.Decrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(plain))

	// Once answered, the initiator stops sending pre-key envelopes.
	next, err := outbound.Encrypt([]byte("second"))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeNormal, next.Type)

	plain, err = inbound.Decrypt(next)
	require.NoError(t, err)
	assert.Equal(t, "second", string(plain))
}

func TestPreKeyResendsUntilAnswered(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)

	outbound, err := NewOutbound(alice.identity.Private, alice.identity.PublicKeyString(),
		bob.identity.PublicKeyString(), bob.otk.PublicKeyString())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msg, err := outbound.Encrypt([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, MessageTypePreKey, msg.Type)
	}
}

func TestPickleRoundTrip(t *testing.T) {
	outbound, inbound := newTestPair(t)

	sealed, err := outbound.Pickle(pickleKey)
	require.NoError(t, err)
	restored, err := Unpickle(sealed, pickleKey)
	require.NoError(t, err)
	assert.Equal(t, outbound.ID(), restored.ID())
	assert.Equal(t, outbound.PeerKey(), restored.PeerKey())

	// The restored ratchet carries on where the original stopped.
	msg, err := restored.Encrypt([]byte("after restore"))
	require.NoError(t, err)
	plain, err := inbound.Decrypt(msg)
	require.NoError(t, err)
	assert.Equal(t, "after restore", string(plain))
}

func TestUnpickleWrongKey(t *testing.T) {
	outbound, _ := newTestPair(t)
	sealed, err := outbound.Pickle(pickleKey)
	require.NoError(t, err)

	wrong := make([]byte, 32)
	wrong[0] = 1
	_, err = Unpickle(sealed, wrong)
	assert.Error(t, err)
}

func TestOutOfOrderDelivery(t *testing.T) {
	outbound, inbound := newTestPair(t)

	m1, err := outbound.Encrypt([]byte("one"))
	require.NoError(t, err)
	m2, err := outbound.Encrypt([]byte("two"))
	require.NoError(t, err)

	plain, err := inbound.Decrypt(m2)
	require.NoError(t, err)
	assert.Equal(t, "two", string(plain))

	// The skipped message key was stored and still opens m1.
	plain, err = inbound.Decrypt(m1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(plain))
}

func TestMessageHashStable(t *testing.T) {
	outbound, _ := newTestPair(t)
	msg, err := outbound.Encrypt([]byte("hash me"))
	require.NoError(t, err)
	assert.Equal(t, msg.Hash(), Message{Type: msg.Type, Body: msg.Body}.Hash())
}

func TestMatchesPreKey(t *testing.T) {
	alice := newTestPeer(t)
	bob := newTestPeer(t)

	outbound, err := NewOutbound(alice.identity.Private, alice.identity.PublicKeyString(),
		bob.identity.PublicKeyString(), bob.otk.PublicKeyString())
	require.NoError(t, err)
	msg, err := outbound.Encrypt([]byte("x"))
	require.NoError(t, err)

	inbound, err := NewInbound(bob.identity.Private, bob.otk.Private, msg)
	require.NoError(t, err)
	assert.True(t, inbound.MatchesPreKey(msg))

	other := newTestPeer(t)
	otherOut, err := NewOutbound(other.identity.Private, other.identity.PublicKeyString(),
		bob.identity.PublicKeyString(), bob.otk.PublicKeyString())
	require.NoError(t, err)
	otherMsg, err := otherOut.Encrypt([]byte("y"))
	require.NoError(t, err)
	assert.False(t, inbound.MatchesPreKey(otherMsg))
}

func TestDecryptGarbage(t *testing.T) {
	_, inbound := newTestPair(t)
	_, err := inbound.Decrypt(Message{Type: MessageTypeNormal, Body: "not base64!!"})
	assert.Error(t, err)
}
