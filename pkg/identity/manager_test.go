package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptomachine/e2eemachine/pkg/account"
	"github.com/cryptomachine/e2eemachine/pkg/cryptostore"
	"github.com/cryptomachine/e2eemachine/pkg/requests"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

const (
	ownUser   = types.UserID("@alice:example.org")
	ownDevice = types.DeviceID("ALICEDEVICE")
	bobUser   = types.UserID("@bob:example.org")
)

// bobDeviceKeys builds a properly self-signed device-key payload the
// way a real device uploads one.
func bobDeviceKeys(t *testing.T, deviceID types.DeviceID) (*account.Account, types.DeviceKeys) {
	t.Helper()
	acc, err := account.New(bobUser, deviceID)
	require.NoError(t, err)
	dk, err := acc.DeviceKeysForUpload()
	require.NoError(t, err)
	return acc, *dk
}

func queryResponse(devices map[types.DeviceID]types.DeviceKeys) *requests.KeysQueryResponse {
	byDevice := make(map[types.DeviceID]requests.QueriedDevice, len(devices))
	for id, dk := range devices {
		byDevice[id] = requests.QueriedDevice{Keys: dk}
	}
	return &requests.KeysQueryResponse{
		DeviceKeys: map[types.UserID]map[types.DeviceID]requests.QueriedDevice{
			bobUser: byDevice,
		},
	}
}

func TestReceiveQueryAddsValidDevices(t *testing.T) {
	ctx := context.Background()
	store := cryptostore.NewMemoryStore()
	m := NewManager(store, ownUser, ownDevice)

	_, dk := bobDeviceKeys(t, "D2")
	changes, devChanges, _, err := m.ReceiveKeysQueryResponse(ctx, queryResponse(map[types.DeviceID]types.DeviceKeys{"D2": dk}))
	require.NoError(t, err)
	require.Len(t, devChanges.New, 1)
	assert.Equal(t, types.DeviceID("D2"), devChanges.New[0].DeviceID)

	require.NoError(t, store.SaveChanges(ctx, changes))
	device, err := m.GetDevice(ctx, bobUser, "D2")
	require.NoError(t, err)
	assert.Equal(t, dk.Keys, device.Keys.Keys)
}

func TestReceiveQueryDropsBadSignature(t *testing.T) {
	ctx := context.Background()
	m := NewManager(cryptostore.NewMemoryStore(), ownUser, ownDevice)

	_, dk := bobDeviceKeys(t, "D2")
	// Swap the signing key for another device's: the self-signature no
	// longer verifies.
	_, other := bobDeviceKeys(t, "D2")
	dk.Keys[types.KeyID("ed25519:D2")] = other.Keys[types.KeyID("ed25519:D2")]

	_, devChanges, _, err := m.ReceiveKeysQueryResponse(ctx, queryResponse(map[types.DeviceID]types.DeviceKeys{"D2": dk}))
	require.NoError(t, err)
	assert.Empty(t, devChanges.New, "forged device must be dropped")
}

func TestReceiveQueryReportsDeletion(t *testing.T) {
	ctx := context.Background()
	store := cryptostore.NewMemoryStore()
	m := NewManager(store, ownUser, ownDevice)

	_, dk := bobDeviceKeys(t, "D2")
	changes, _, _, err := m.ReceiveKeysQueryResponse(ctx, queryResponse(map[types.DeviceID]types.DeviceKeys{"D2": dk}))
	require.NoError(t, err)
	require.NoError(t, store.SaveChanges(ctx, changes))

	// The next response omits D2: the server reports it gone.
	changes, devChanges, _, err := m.ReceiveKeysQueryResponse(ctx, queryResponse(nil))
	require.NoError(t, err)
	require.Len(t, devChanges.Deleted, 1)
	require.NoError(t, store.SaveChanges(ctx, changes))

	_, err = m.GetDevice(ctx, bobUser, "D2")
	assert.ErrorIs(t, err, cryptostore.ErrNotFound)
}

func TestUsersForKeyQueryMarksInFlight(t *testing.T) {
	ctx := context.Background()
	m := NewManager(cryptostore.NewMemoryStore(), ownUser, ownDevice)

	require.NoError(t, m.MarkUserAsChanged(ctx, bobUser))

	req, err := m.UsersForKeyQuery(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Contains(t, req.DeviceKeys, bobUser)

	// While the query is in flight the same user is not re-issued.
	req, err = m.UsersForKeyQuery(ctx)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestMarkDeviceVerified(t *testing.T) {
	ctx := context.Background()
	store := cryptostore.NewMemoryStore()
	m := NewManager(store, ownUser, ownDevice)

	_, dk := bobDeviceKeys(t, "D2")
	changes, _, _, err := m.ReceiveKeysQueryResponse(ctx, queryResponse(map[types.DeviceID]types.DeviceKeys{"D2": dk}))
	require.NoError(t, err)
	require.NoError(t, store.SaveChanges(ctx, changes))

	device, err := m.GetDevice(ctx, bobUser, "D2")
	require.NoError(t, err)
	assert.False(t, m.IsDeviceTrusted(ctx, device))

	changes, err = m.MarkDeviceVerified(ctx, bobUser, "D2")
	require.NoError(t, err)
	require.NoError(t, store.SaveChanges(ctx, changes))

	device, err = m.GetDevice(ctx, bobUser, "D2")
	require.NoError(t, err)
	assert.True(t, m.IsDeviceTrusted(ctx, device))
}

func TestGetDeviceByCurve(t *testing.T) {
	ctx := context.Background()
	store := cryptostore.NewMemoryStore()
	m := NewManager(store, ownUser, ownDevice)

	acc, dk := bobDeviceKeys(t, "D2")
	changes, _, _, err := m.ReceiveKeysQueryResponse(ctx, queryResponse(map[types.DeviceID]types.DeviceKeys{"D2": dk}))
	require.NoError(t, err)
	require.NoError(t, store.SaveChanges(ctx, changes))

	device, err := m.GetDeviceByCurve(ctx, bobUser, acc.IdentityKeys().Curve25519)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceID("D2"), device.DeviceID)

	_, err = m.GetDeviceByCurve(ctx, bobUser, "unknown-key")
	assert.ErrorIs(t, err, cryptostore.ErrNotFound)
}
