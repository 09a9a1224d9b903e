// Package identity tracks the users this device cares about, batches
// their /keys/query refreshes, verifies what the server returns, and
// derives device trust from the cross-signing chain. Trust set by local
// verification, or found from a locally trusted identity's signature
// while a query response is processed, is stored on the device record;
// IsDeviceTrusted reads that first and otherwise checks the chain.
package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cryptomachine/e2eemachine/internal/logging"
	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/internal/metrics"
	"github.com/cryptomachine/e2eemachine/pkg/cryptostore"
	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/requests"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// DeviceChanges summarizes what a /keys/query response did to the
// device cache.
type DeviceChanges struct {
	New     []types.Device
	Changed []types.Device
	Deleted []types.Device
}

// IdentityChanges summarizes what a /keys/query response did to the
// user identity cache.
type IdentityChanges struct {
	New     []types.UserIdentity
	Changed []types.UserIdentity
}

// Manager is the identity manager.
type Manager struct {
	mu sync.Mutex

	store cryptostore.Store
	log   *logging.Logger

	ownUserID   types.UserID
	ownDeviceID types.DeviceID

	// inFlight holds users included in a query that has not been
	// answered yet, so they are not re-queried concurrently.
	inFlight map[types.UserID]bool

	// queryLimiter paces how often a fresh keys-query request may be
	// built, keeping a flapping device list from hammering the server.
	queryLimiter *rate.Limiter
}

// NewManager creates an identity manager.
func NewManager(store cryptostore.Store, ownUserID types.UserID, ownDeviceID types.DeviceID) *Manager {
	return &Manager{
		store:        store,
		log:          logging.Global().WithComponent("identity"),
		ownUserID:    ownUserID,
		ownDeviceID:  ownDeviceID,
		inFlight:     make(map[types.UserID]bool),
		queryLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// MarkUserAsChanged flags a user's device list as outdated.
func (m *Manager) MarkUserAsChanged(ctx context.Context, userID types.UserID) error {
	already, err := m.store.UpdateTrackedUser(ctx, userID, true)
	if err != nil {
		return err
	}
	if !already {
		if users, err := m.store.TrackedUsers(ctx); err == nil {
			metrics.TrackedUsers.Set(float64(len(users)))
		}
	}
	return nil
}

// TrackUsers adds users to the tracked set without dirtying already
// tracked ones.
func (m *Manager) TrackUsers(ctx context.Context, users []types.UserID) error {
	for _, u := range users {
		already, err := m.store.IsUserTracked(ctx, u)
		if err != nil {
			return err
		}
		if !already {
			if err := m.MarkUserAsChanged(ctx, u); err != nil {
				return err
			}
		}
	}
	return nil
}

// UsersForKeyQuery returns the dirty users in deterministic order,
// marking them in-flight, or nil when nothing is owed. The rate
// limiter applies only when there is something to send.
func (m *Manager) UsersForKeyQuery(ctx context.Context) (*requests.KeysQueryRequest, error) {
	tracked, err := m.store.TrackedUsers(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var dirty []types.UserID
	for _, t := range tracked {
		if t.Dirty && !m.inFlight[t.UserID] {
			dirty = append(dirty, t.UserID)
		}
	}
	if len(dirty) == 0 {
		return nil, nil
	}
	if !m.queryLimiter.Allow() {
		return nil, nil
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i] < dirty[j] })

	users := make(map[types.UserID][]types.DeviceID, len(dirty))
	for _, u := range dirty {
		users[u] = []types.DeviceID{}
		m.inFlight[u] = true
	}
	return requests.NewKeysQuery(users), nil
}

// ReceiveKeysQueryResponse validates the response, diffs it against
// the cache, and returns the resulting change set and summaries.
func (m *Manager) ReceiveKeysQueryResponse(ctx context.Context, resp *requests.KeysQueryResponse) (*types.ChangeSet, DeviceChanges, IdentityChanges, error) {
	changes := &types.ChangeSet{}
	var devChanges DeviceChanges
	var idChanges IdentityChanges

	// Identities first: device trust propagation below reads them.
	identities := make(map[types.UserID]*types.UserIdentity)
	for userID, master := range resp.MasterKeys {
		identity, changed, isNew, err := m.buildIdentity(ctx, userID, master, resp.SelfSigningKeys[userID], resp.UserSigningKeys[userID])
		if err != nil {
			m.log.Warn("rejecting cross-signing identity", "user_id", string(userID), "error", err.Error())
			continue
		}
		identities[userID] = identity
		if isNew {
			idChanges.New = append(idChanges.New, *identity)
		} else if changed {
			idChanges.Changed = append(idChanges.Changed, *identity)
		}
		if isNew || changed {
			changes.Identities = append(changes.Identities, *identity)
		}
	}

	for userID, devices := range resp.DeviceKeys {
		identity := identities[userID]
		if identity == nil {
			if stored, err := m.store.LoadUserIdentity(ctx, userID); err == nil {
				identity = stored
			}
		}

		cached, err := m.store.LoadDevicesForUser(ctx, userID)
		if err != nil {
			return nil, devChanges, idChanges, err
		}
		cachedByID := make(map[types.DeviceID]types.Device, len(cached))
		for _, d := range cached {
			cachedByID[d.DeviceID] = d
		}

		for deviceID, queried := range devices {
			device, err := m.validateDevice(userID, deviceID, queried.Keys, identity)
			if err != nil {
				m.log.Warn("dropping device with invalid signature",
					"user_id", string(userID), "device_id", string(deviceID), "error", err.Error())
				continue
			}
			old, existed := cachedByID[deviceID]
			delete(cachedByID, deviceID)
			if existed {
				// An explicit local decision (verified or
				// blacklisted) outlives the refresh; the computed
				// cross-signing trust fills the gap otherwise.
				if old.LocalTrust == types.TrustVerified || old.LocalTrust == types.TrustBlackListed {
					device.LocalTrust = old.LocalTrust
				}
				device.FirstSeen = old.FirstSeen
				if !devicesEqual(old, device) {
					devChanges.Changed = append(devChanges.Changed, device)
					changes.Devices = append(changes.Devices, device)
				}
			} else {
				device.FirstSeen = time.Now()
				devChanges.New = append(devChanges.New, device)
				changes.Devices = append(changes.Devices, device)
			}
		}

		// Anything left in the cache was not returned: the server
		// reports it deleted.
		for _, gone := range cachedByID {
			gone.Deleted = true
			devChanges.Deleted = append(devChanges.Deleted, gone)
			changes.Devices = append(changes.Devices, gone)
		}

		changes.TrackedUsers = append(changes.TrackedUsers, types.TrackedUser{UserID: userID, Dirty: false})
		m.mu.Lock()
		delete(m.inFlight, userID)
		m.mu.Unlock()
	}

	return changes, devChanges, idChanges, nil
}

// buildIdentity verifies a returned cross-signing identity: the master
// must be self-signed, the self-signing key signed by the master.
func (m *Manager) buildIdentity(ctx context.Context, userID types.UserID, master, selfSigning, userSigning types.CrossSigningKey) (*types.UserIdentity, bool, bool, error) {
	masterKey := ed25519KeyOf(master)
	if masterKey == "" {
		return nil, false, false, machineerr.New("XSI-003", "master key missing ed25519 key")
	}
	if err := verifyCrossSigningKey(master, userID, masterKey); err != nil {
		return nil, false, false, err
	}
	if ed25519KeyOf(selfSigning) != "" {
		if err := verifyCrossSigningKey(selfSigning, userID, masterKey); err != nil {
			return nil, false, false, err
		}
	}
	if ed25519KeyOf(userSigning) != "" {
		if err := verifyCrossSigningKey(userSigning, userID, masterKey); err != nil {
			return nil, false, false, err
		}
	}

	identity := &types.UserIdentity{
		UserID:      userID,
		MasterKey:   master,
		SelfSigning: selfSigning,
		UserSigning: userSigning,
	}

	existing, err := m.store.LoadUserIdentity(ctx, userID)
	switch {
	case err == cryptostore.ErrNotFound:
		return identity, false, true, nil
	case err != nil:
		return nil, false, false, err
	}

	// A master key change resets local trust; an unchanged master
	// carries it forward.
	if ed25519KeyOf(existing.MasterKey) == masterKey {
		identity.LocallyTrusted = existing.LocallyTrusted
	} else {
		m.log.SecurityEvent(ctx, "master_key_changed", "user_id", string(userID))
	}
	changed := ed25519KeyOf(existing.MasterKey) != masterKey ||
		ed25519KeyOf(existing.SelfSigning) != ed25519KeyOf(selfSigning) ||
		ed25519KeyOf(existing.UserSigning) != ed25519KeyOf(userSigning)
	return identity, changed, false, nil
}

// validateDevice checks the device's self-signature and fills in the
// cross-signing trust state.
func (m *Manager) validateDevice(userID types.UserID, deviceID types.DeviceID, keys types.DeviceKeys, identity *types.UserIdentity) (types.Device, error) {
	edKey := types.Ed25519PublicKey(keys.Keys[types.KeyID("ed25519:"+string(deviceID))])
	if edKey == "" {
		return types.Device{}, machineerr.New("INP-001", "device missing ed25519 key")
	}

	payload := struct {
		UserID     types.UserID           `json:"user_id"`
		DeviceID   types.DeviceID         `json:"device_id"`
		Algorithms []string               `json:"algorithms"`
		Keys       map[types.KeyID]string `json:"keys"`
	}{userID, deviceID, keys.Algorithms, keys.Keys}
	canon, err := primitives.CanonicalJSON(payload)
	if err != nil {
		return types.Device{}, err
	}

	sig := keys.Signatures[userID][types.KeyID("ed25519:"+string(deviceID))]
	if !primitives.VerifySignature(edKey, canon, sig) {
		return types.Device{}, machineerr.New("XSI-001", "device self-signature invalid")
	}

	device := types.Device{
		UserID:   userID,
		DeviceID: deviceID,
		Keys:     keys,
	}
	if name, ok := keys.Unsigned["device_display_name"].(string); ok {
		device.DisplayName = name
	}

	// Cross-signing: the device is cross-signed iff the owner's
	// self-signing key's signature over the payload verifies.
	if identity != nil {
		ssKey := ed25519KeyOf(identity.SelfSigning)
		if ssKey != "" {
			ssSig := keys.Signatures[userID][types.KeyID("ed25519:"+string(ssKey))]
			if ssSig != "" && primitives.VerifySignature(ssKey, canon, ssSig) && identity.LocallyTrusted {
				device.LocalTrust = types.TrustVerified
			}
		}
	}
	return device, nil
}

func devicesEqual(a, b types.Device) bool {
	if len(a.Keys.Keys) != len(b.Keys.Keys) {
		return false
	}
	for k, v := range a.Keys.Keys {
		if b.Keys.Keys[k] != v {
			return false
		}
	}
	return a.DisplayName == b.DisplayName && a.LocalTrust == b.LocalTrust
}

// ed25519KeyOf extracts the single ed25519 key a cross-signing key
// publishes.
func ed25519KeyOf(key types.CrossSigningKey) types.Ed25519PublicKey {
	for _, k := range key.Keys {
		return types.Ed25519PublicKey(k)
	}
	return ""
}

// verifyCrossSigningKey checks that signer's signature over the key's
// payload verifies.
func verifyCrossSigningKey(key types.CrossSigningKey, userID types.UserID, signer types.Ed25519PublicKey) error {
	payload := struct {
		UserID types.UserID                 `json:"user_id"`
		Usage  []types.CrossSigningKeyUsage `json:"usage"`
		Keys   map[types.KeyID]string       `json:"keys"`
	}{key.UserID, key.Usage, key.Keys}
	canon, err := primitives.CanonicalJSON(payload)
	if err != nil {
		return err
	}
	sig := key.Signatures[userID][types.KeyID("ed25519:"+string(signer))]
	if sig == "" {
		return machineerr.New("XSI-001", "missing cross-signing signature")
	}
	if !primitives.VerifySignature(signer, canon, sig) {
		return machineerr.New("XSI-001", "cross-signing signature invalid")
	}
	return nil
}

// GetDevice returns one device from the cache.
func (m *Manager) GetDevice(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (*types.Device, error) {
	return m.store.LoadDevice(ctx, userID, deviceID)
}

// GetUserDevices returns every cached device for a user.
func (m *Manager) GetUserDevices(ctx context.Context, userID types.UserID) ([]types.Device, error) {
	return m.store.LoadDevicesForUser(ctx, userID)
}

// GetDeviceByCurve finds a user's device by its Curve25519 key, the
// way Olm senders are identified.
func (m *Manager) GetDeviceByCurve(ctx context.Context, userID types.UserID, senderKey types.Curve25519PublicKey) (*types.Device, error) {
	devices, err := m.store.LoadDevicesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].IdentityKeyOf() == senderKey {
			return &devices[i], nil
		}
	}
	return nil, cryptostore.ErrNotFound
}

// IsDeviceTrusted derives a device's trust: locally verified, or
// cross-signed by the self-signing key of a verified identity.
func (m *Manager) IsDeviceTrusted(ctx context.Context, device *types.Device) bool {
	if device.UserID == m.ownUserID && device.DeviceID == m.ownDeviceID {
		return true
	}
	if device.LocalTrust == types.TrustVerified {
		return true
	}
	if device.LocalTrust == types.TrustBlackListed {
		return false
	}
	identity, err := m.store.LoadUserIdentity(ctx, device.UserID)
	if err != nil {
		return false
	}
	if !identity.LocallyTrusted {
		return false
	}
	ssKey := ed25519KeyOf(identity.SelfSigning)
	if ssKey == "" {
		return false
	}
	payload := struct {
		UserID     types.UserID           `json:"user_id"`
		DeviceID   types.DeviceID         `json:"device_id"`
		Algorithms []string               `json:"algorithms"`
		Keys       map[types.KeyID]string `json:"keys"`
	}{device.UserID, device.DeviceID, device.Keys.Algorithms, device.Keys.Keys}
	canon, err := primitives.CanonicalJSON(payload)
	if err != nil {
		return false
	}
	sig := device.Keys.Signatures[device.UserID][types.KeyID("ed25519:"+string(ssKey))]
	return sig != "" && primitives.VerifySignature(ssKey, canon, sig)
}

// MarkDeviceVerified sets a device's local trust, returning the change
// to persist.
func (m *Manager) MarkDeviceVerified(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (*types.ChangeSet, error) {
	device, err := m.store.LoadDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	device.LocalTrust = types.TrustVerified
	m.log.SecurityEvent(ctx, "device_verified", "user_id", string(userID), "device_id", string(deviceID))
	return &types.ChangeSet{Devices: []types.Device{*device}}, nil
}
