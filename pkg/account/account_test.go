package account

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

const (
	testUser   = types.UserID("@alice:example.org")
	testDevice = types.DeviceID("ALICEDEVICE")
)

var pickleKey = make([]byte, 32)

func newTestAccount(t *testing.T) *Account {
	t.Helper()
	a, err := New(testUser, testDevice)
	require.NoError(t, err)
	return a
}

func TestIdentityKeysStable(t *testing.T) {
	a := newTestAccount(t)
	keys := a.IdentityKeys()
	assert.NotEmpty(t, keys.Curve25519)
	assert.NotEmpty(t, keys.Ed25519)
	assert.Equal(t, keys, a.IdentityKeys())
}

func TestOneTimeKeyLifecycle(t *testing.T) {
	a := newTestAccount(t)
	require.NoError(t, a.GenerateOneTimeKeys(5))

	upload, err := a.SignedOneTimeKeysForUpload()
	require.NoError(t, err)
	assert.Len(t, upload, 5)
	assert.Equal(t, 0, a.UploadedSignedCurve25519Count())

	a.MarkOneTimeKeysAsPublished()
	assert.Equal(t, 5, a.UploadedSignedCurve25519Count())

	// Published keys are no longer offered for upload.
	upload, err = a.SignedOneTimeKeysForUpload()
	require.NoError(t, err)
	assert.Empty(t, upload)
}

func TestReplenishmentThreshold(t *testing.T) {
	a := newTestAccount(t)
	assert.True(t, a.NeedsMoreOneTimeKeys(0))
	assert.True(t, a.NeedsMoreOneTimeKeys(a.MaxOneTimeKeys()/2-1))
	assert.False(t, a.NeedsMoreOneTimeKeys(a.MaxOneTimeKeys()/2))
	assert.False(t, a.NeedsMoreOneTimeKeys(a.MaxOneTimeKeys()))
}

func TestSignedUploadVerifies(t *testing.T) {
	a := newTestAccount(t)
	require.NoError(t, a.GenerateOneTimeKeys(1))
	upload, err := a.SignedOneTimeKeysForUpload()
	require.NoError(t, err)

	for _, raw := range upload {
		var signed struct {
			Key        string                                  `json:"key"`
			Signatures map[types.UserID]map[types.KeyID]string `json:"signatures"`
		}
		require.NoError(t, json.Unmarshal(raw, &signed))
		payload := struct {
			Key string `json:"key"`
		}{signed.Key}
		canon, err := primitives.CanonicalJSON(payload)
		require.NoError(t, err)
		sig := signed.Signatures[testUser][types.KeyID("ed25519:"+string(testDevice))]
		assert.True(t, primitives.VerifySignature(a.IdentityKeys().Ed25519, canon, sig))
	}
}

func TestFindOneTimeKeyByPublic(t *testing.T) {
	a := newTestAccount(t)
	require.NoError(t, a.GenerateOneTimeKeys(3))
	upload, err := a.SignedOneTimeKeysForUpload()
	require.NoError(t, err)

	for _, raw := range upload {
		var signed struct {
			Key types.Curve25519PublicKey `json:"key"`
		}
		require.NoError(t, json.Unmarshal(raw, &signed))
		keyID, _, isFallback, found := a.FindOneTimeKeyByPublic(signed.Key)
		assert.True(t, found)
		assert.False(t, isFallback)
		a.ForgetOneTimeKey(keyID)
		_, _, _, found = a.FindOneTimeKeyByPublic(signed.Key)
		assert.False(t, found, "forgotten key must stay forgotten")
	}
}

func TestFallbackKeyRotation(t *testing.T) {
	a := newTestAccount(t)

	rotated, err := a.EnsureFallbackKey(false)
	require.NoError(t, err)
	assert.True(t, rotated, "first call mints a fallback key")

	rotated, err = a.EnsureFallbackKey(false)
	require.NoError(t, err)
	assert.False(t, rotated, "no rotation without an unused report")

	rotated, err = a.EnsureFallbackKey(true)
	require.NoError(t, err)
	assert.True(t, rotated, "rotate on first unused report")

	upload, err := a.SignedFallbackKeyForUpload()
	require.NoError(t, err)
	require.Len(t, upload, 1)
	for _, raw := range upload {
		var signed struct {
			Key        string                                  `json:"key"`
			Fallback   bool                                    `json:"fallback"`
			Signatures map[types.UserID]map[types.KeyID]string `json:"signatures"`
		}
		require.NoError(t, json.Unmarshal(raw, &signed))
		assert.True(t, signed.Fallback)

		// The signature must cover the fallback flag: verify against
		// the same canonical payload the claim verifier reconstructs.
		payload := struct {
			Key      string `json:"key"`
			Fallback bool   `json:"fallback,omitempty"`
		}{signed.Key, signed.Fallback}
		canon, err := primitives.CanonicalJSON(payload)
		require.NoError(t, err)
		sig := signed.Signatures[testUser][types.KeyID("ed25519:"+string(testDevice))]
		assert.True(t, primitives.VerifySignature(a.IdentityKeys().Ed25519, canon, sig))
	}
}

func TestDeviceKeysForUpload(t *testing.T) {
	a := newTestAccount(t)
	dk, err := a.DeviceKeysForUpload()
	require.NoError(t, err)
	assert.Equal(t, testUser, dk.UserID)
	assert.Contains(t, dk.Algorithms, "m.megolm.v1.aes-sha2")

	payload := struct {
		UserID     types.UserID           `json:"user_id"`
		DeviceID   types.DeviceID         `json:"device_id"`
		Algorithms []string               `json:"algorithms"`
		Keys       map[types.KeyID]string `json:"keys"`
	}{dk.UserID, dk.DeviceID, dk.Algorithms, dk.Keys}
	canon, err := primitives.CanonicalJSON(payload)
	require.NoError(t, err)
	sig := dk.Signatures[testUser][a.DeviceKeyID()]
	assert.True(t, primitives.VerifySignature(a.IdentityKeys().Ed25519, canon, sig))
}

func TestPickleRoundTrip(t *testing.T) {
	a := newTestAccount(t)
	require.NoError(t, a.GenerateOneTimeKeys(3))
	_, err := a.EnsureFallbackKey(false)
	require.NoError(t, err)

	sealed, err := a.Pickle(pickleKey)
	require.NoError(t, err)
	restored, err := Unpickle(sealed, pickleKey)
	require.NoError(t, err)

	assert.Equal(t, a.IdentityKeys(), restored.IdentityKeys())
	assert.Equal(t, a.UserID(), restored.UserID())
	assert.Equal(t, a.DeviceID(), restored.DeviceID())

	upload, err := restored.SignedOneTimeKeysForUpload()
	require.NoError(t, err)
	assert.Len(t, upload, 3)

	// Signatures from the restored account still verify against the
	// original public key.
	msg := []byte("same key after restore")
	sig := restored.Sign(msg)
	assert.True(t, primitives.VerifySignature(a.IdentityKeys().Ed25519, msg, sig))
}

func TestUnpickleWrongKeyFails(t *testing.T) {
	a := newTestAccount(t)
	sealed, err := a.Pickle(pickleKey)
	require.NoError(t, err)

	wrong := make([]byte, 32)
	wrong[0] = 0xFF
	_, err = Unpickle(sealed, wrong)
	assert.Error(t, err)
}
