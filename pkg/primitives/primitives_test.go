package primitives

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestECDHRoundTrip(t *testing.T) {
	alice, err := GenerateCurve25519KeyPair()
	require.NoError(t, err)
	bob, err := GenerateCurve25519KeyPair()
	require.NoError(t, err)

	aliceShared, err := ECDH(alice.Private, bob.PublicKeyString())
	require.NoError(t, err)
	bobShared, err := ECDH(bob.Private, alice.PublicKeyString())
	require.NoError(t, err)
	require.Equal(t, aliceShared, bobShared)
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateEd25519KeyPair()
	require.NoError(t, err)
	msg := []byte("canonical json goes here")
	sig := Sign(kp.Private, msg)
	require.True(t, VerifySignature(kp.PublicKeyString(), msg, sig))
	require.False(t, VerifySignature(kp.PublicKeyString(), []byte("tampered"), sig))
}

func TestAESCBCHMACRoundTrip(t *testing.T) {
	aesKey := make([]byte, 32)
	macKey := make([]byte, 32)
	for i := range aesKey {
		aesKey[i] = byte(i)
		macKey[i] = byte(i + 1)
	}
	sealed, err := AESCBCHMACEncrypt(aesKey, macKey, []byte("hello matrix"))
	require.NoError(t, err)
	plain, err := AESCBCHMACDecrypt(aesKey, macKey, sealed)
	require.NoError(t, err)
	require.Equal(t, "hello matrix", string(plain))

	sealed[0] ^= 0xFF
	_, err = AESCBCHMACDecrypt(aesKey, macKey, sealed)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestGCMRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	sealed, err := GCMEncrypt(key, []byte("pickle me"), []byte("aad"))
	require.NoError(t, err)
	plain, err := GCMDecrypt(key, sealed, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, "pickle me", string(plain))

	_, err = GCMDecrypt(key, sealed, []byte("wrong-aad"))
	require.ErrorIs(t, err, ErrAuthFailed)
}
