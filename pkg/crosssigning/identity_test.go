package crosssigning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

const testUser = types.UserID("@alice:example.org")

func TestBootstrapProducesThreeKeys(t *testing.T) {
	id, err := Bootstrap(testUser)
	require.NoError(t, err)

	status := id.Status()
	assert.True(t, status.HasMaster)
	assert.True(t, status.HasSelfSigning)
	assert.True(t, status.HasUserSigning)
}

func keyOf(k types.CrossSigningKey) types.Ed25519PublicKey {
	for _, v := range k.Keys {
		return types.Ed25519PublicKey(v)
	}
	return ""
}

func TestPublicKeySignatures(t *testing.T) {
	id, err := Bootstrap(testUser)
	require.NoError(t, err)
	master, selfSigning, userSigning, err := id.PublicKeys()
	require.NoError(t, err)

	masterKey := keyOf(master)
	masterKeyID := types.KeyID("ed25519:" + string(masterKey))

	verify := func(key types.CrossSigningKey) bool {
		payload := struct {
			UserID types.UserID                 `json:"user_id"`
			Usage  []types.CrossSigningKeyUsage `json:"usage"`
			Keys   map[types.KeyID]string       `json:"keys"`
		}{key.UserID, key.Usage, key.Keys}
		canon, err := primitives.CanonicalJSON(payload)
		require.NoError(t, err)
		return primitives.VerifySignature(masterKey, canon, key.Signatures[testUser][masterKeyID])
	}

	assert.True(t, verify(master), "master must be self-signed")
	assert.True(t, verify(selfSigning), "self-signing must be signed by master")
	assert.True(t, verify(userSigning), "user-signing must be signed by master")
	assert.Equal(t, []types.CrossSigningKeyUsage{types.UsageMaster}, master.Usage)
}

func TestSignDeviceVerifies(t *testing.T) {
	id, err := Bootstrap(testUser)
	require.NoError(t, err)
	_, selfSigning, _, err := id.PublicKeys()
	require.NoError(t, err)
	ssKey := keyOf(selfSigning)

	device := types.DeviceKeys{
		UserID:     testUser,
		DeviceID:   "ALICEDEVICE",
		Algorithms: []string{"m.megolm.v1.aes-sha2"},
		Keys: map[types.KeyID]string{
			"ed25519:ALICEDEVICE": "device-ed-key",
		},
	}
	signed, err := id.SignDevice(device)
	require.NoError(t, err)

	var out struct {
		Signatures types.Signatures `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal(signed, &out))

	payload := struct {
		UserID     types.UserID           `json:"user_id"`
		DeviceID   types.DeviceID         `json:"device_id"`
		Algorithms []string               `json:"algorithms"`
		Keys       map[types.KeyID]string `json:"keys"`
	}{device.UserID, device.DeviceID, device.Algorithms, device.Keys}
	canon, err := primitives.CanonicalJSON(payload)
	require.NoError(t, err)

	sig := out.Signatures[testUser][types.KeyID("ed25519:"+string(ssKey))]
	assert.True(t, primitives.VerifySignature(ssKey, canon, sig))
}

func TestSignUserMasterVerifies(t *testing.T) {
	alice, err := Bootstrap(testUser)
	require.NoError(t, err)
	bob, err := Bootstrap("@bob:example.org")
	require.NoError(t, err)

	bobMaster, _, _, err := bob.PublicKeys()
	require.NoError(t, err)

	signed, err := alice.SignUserMaster(bobMaster)
	require.NoError(t, err)

	_, _, aliceUserSigning, err := alice.PublicKeys()
	require.NoError(t, err)
	usKey := keyOf(aliceUserSigning)

	var out struct {
		Signatures types.Signatures `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal(signed, &out))

	payload := struct {
		UserID types.UserID                 `json:"user_id"`
		Usage  []types.CrossSigningKeyUsage `json:"usage"`
		Keys   map[types.KeyID]string       `json:"keys"`
	}{bobMaster.UserID, bobMaster.Usage, bobMaster.Keys}
	canon, err := primitives.CanonicalJSON(payload)
	require.NoError(t, err)

	sig := out.Signatures[testUser][types.KeyID("ed25519:"+string(usKey))]
	assert.True(t, primitives.VerifySignature(usKey, canon, sig))
}

func TestExportImportRoundTrip(t *testing.T) {
	id, err := Bootstrap(testUser)
	require.NoError(t, err)

	export := id.Export()
	restored, err := Import(testUser, export)
	require.NoError(t, err)

	assert.Equal(t, id.MasterPublicKey(), restored.MasterPublicKey())

	msg := []byte("sign with restored master")
	sig := restored.Sign(msg)
	assert.True(t, primitives.VerifySignature(id.MasterPublicKey(), msg, sig))
}

func TestChangeRoundTrip(t *testing.T) {
	id, err := Bootstrap(testUser)
	require.NoError(t, err)

	change := id.ToChange()
	assert.True(t, change.Bootstrapped)

	restored, err := FromChange(change)
	require.NoError(t, err)
	assert.Equal(t, id.MasterPublicKey(), restored.MasterPublicKey())
}

func TestImportRejectsBadSeed(t *testing.T) {
	_, err := Import(testUser, types.CrossSigningKeyExport{
		MasterKey:      "!!!not-base64",
		SelfSigningKey: "",
		UserSigningKey: "",
	})
	assert.Error(t, err)
}
