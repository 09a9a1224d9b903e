package cryptostore

import (
	"context"
	"sort"
	"sync"

	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// MemoryStore is the in-memory Store used by tests and by embedders
// that handle durability themselves. All methods are safe for
// concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	account  *types.AccountChange
	identity *types.PrivateCrossSigningIdentity

	sessions map[types.Curve25519PublicKey]map[types.SessionID]types.SessionChange
	inbound  map[string]types.InboundGroupSessionChange
	outbound map[types.RoomID]types.OutboundGroupSessionChange

	devices    map[types.UserID]map[types.DeviceID]types.Device
	identities map[types.UserID]types.UserIdentity

	tracked map[types.UserID]bool
	hashes  map[string]bool

	gossipByID   map[string]types.GossipRequest
	gossipByInfo map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[types.Curve25519PublicKey]map[types.SessionID]types.SessionChange),
		inbound:      make(map[string]types.InboundGroupSessionChange),
		outbound:     make(map[types.RoomID]types.OutboundGroupSessionChange),
		devices:      make(map[types.UserID]map[types.DeviceID]types.Device),
		identities:   make(map[types.UserID]types.UserIdentity),
		tracked:      make(map[types.UserID]bool),
		hashes:       make(map[string]bool),
		gossipByID:   make(map[string]types.GossipRequest),
		gossipByInfo: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func inboundKey(roomID types.RoomID, senderKey types.Curve25519PublicKey, sessionID types.SessionID) string {
	// Length-delimited so the composite encoding stays injective.
	return lengthPrefixed(string(roomID), string(senderKey), string(sessionID))
}

func hashKey(h types.OlmMessageHash) string {
	return lengthPrefixed(string(h.SenderKey), h.Hash)
}

func lengthPrefixed(parts ...string) string {
	out := ""
	for _, p := range parts {
		out += itoa(len(p)) + ":" + p
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// SaveChanges applies the whole change set under one lock acquisition:
// a reader either sees none of it or all of it.
func (m *MemoryStore) SaveChanges(_ context.Context, changes *types.ChangeSet) error {
	if changes.IsEmpty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if changes.Account != nil {
		acc := *changes.Account
		m.account = &acc
	}
	if changes.PrivateIdentity != nil {
		id := *changes.PrivateIdentity
		m.identity = &id
	}
	for _, s := range changes.Sessions {
		byID, ok := m.sessions[s.SenderKey]
		if !ok {
			byID = make(map[types.SessionID]types.SessionChange)
			m.sessions[s.SenderKey] = byID
		}
		byID[s.SessionID] = s
	}
	for _, s := range changes.InboundGroupSessions {
		m.inbound[inboundKey(s.RoomID, s.SenderKey, s.SessionID)] = s
	}
	for _, s := range changes.OutboundGroupSessions {
		m.outbound[s.RoomID] = s
	}
	for _, d := range changes.Devices {
		byID, ok := m.devices[d.UserID]
		if !ok {
			byID = make(map[types.DeviceID]types.Device)
			m.devices[d.UserID] = byID
		}
		if d.Deleted {
			delete(byID, d.DeviceID)
			continue
		}
		byID[d.DeviceID] = d
	}
	for _, id := range changes.Identities {
		m.identities[id.UserID] = id
	}
	for _, g := range changes.GossipRequests {
		m.gossipByID[g.RequestID] = g
		if g.State == types.GossipRequestCancelled || g.State == types.GossipRequestSatisfied {
			if m.gossipByInfo[g.InfoKey()] == g.RequestID {
				delete(m.gossipByInfo, g.InfoKey())
			}
			continue
		}
		m.gossipByInfo[g.InfoKey()] = g.RequestID
	}
	for _, h := range changes.MessageHashes {
		m.hashes[hashKey(h)] = true
	}
	for _, t := range changes.TrackedUsers {
		m.tracked[t.UserID] = t.Dirty
	}
	return nil
}

// LoadAccount implements Store.
func (m *MemoryStore) LoadAccount(context.Context) (*types.AccountChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account == nil {
		return nil, ErrNotFound
	}
	acc := *m.account
	return &acc, nil
}

// LoadSession implements Store.
func (m *MemoryStore) LoadSession(_ context.Context, senderKey types.Curve25519PublicKey, sessionID types.SessionID) (*types.SessionChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[senderKey][sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// LoadSessionsForSender implements Store.
func (m *MemoryStore) LoadSessionsForSender(_ context.Context, senderKey types.Curve25519PublicKey) ([]types.SessionChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.sessions[senderKey]
	out := make([]types.SessionChange, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out, nil
}

// LoadInboundGroupSession implements Store.
func (m *MemoryStore) LoadInboundGroupSession(_ context.Context, roomID types.RoomID, senderKey types.Curve25519PublicKey, sessionID types.SessionID) (*types.InboundGroupSessionChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.inbound[inboundKey(roomID, senderKey, sessionID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// LoadInboundGroupSessions implements Store.
func (m *MemoryStore) LoadInboundGroupSessions(context.Context) ([]types.InboundGroupSessionChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.InboundGroupSessionChange, 0, len(m.inbound))
	for _, s := range m.inbound {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// LoadOutboundGroupSession implements Store.
func (m *MemoryStore) LoadOutboundGroupSession(_ context.Context, roomID types.RoomID) (*types.OutboundGroupSessionChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.outbound[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// LoadDevice implements Store.
func (m *MemoryStore) LoadDevice(_ context.Context, userID types.UserID, deviceID types.DeviceID) (*types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[userID][deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// LoadDevicesForUser implements Store.
func (m *MemoryStore) LoadDevicesForUser(_ context.Context, userID types.UserID) ([]types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.devices[userID]
	out := make([]types.Device, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// LoadUserIdentity implements Store.
func (m *MemoryStore) LoadUserIdentity(_ context.Context, userID types.UserID) (*types.UserIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &id, nil
}

// LoadPrivateIdentity implements Store.
func (m *MemoryStore) LoadPrivateIdentity(context.Context) (*types.PrivateCrossSigningIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil, ErrNotFound
	}
	id := *m.identity
	return &id, nil
}

// LoadPendingGossipRequests implements Store.
func (m *MemoryStore) LoadPendingGossipRequests(context.Context) ([]types.GossipRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.GossipRequest
	for _, g := range m.gossipByID {
		if g.State == types.GossipRequestUnsent || g.State == types.GossipRequestSent {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

// LoadGossipRequest implements Store.
func (m *MemoryStore) LoadGossipRequest(_ context.Context, requestID string) (*types.GossipRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gossipByID[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

// LoadGossipRequestByInfo implements Store.
func (m *MemoryStore) LoadGossipRequestByInfo(_ context.Context, infoKey string) (*types.GossipRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.gossipByInfo[infoKey]
	if !ok {
		return nil, ErrNotFound
	}
	g := m.gossipByID[id]
	return &g, nil
}

// UpdateTrackedUser implements Store.
func (m *MemoryStore) UpdateTrackedUser(_ context.Context, userID types.UserID, dirty bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, present := m.tracked[userID]
	m.tracked[userID] = dirty
	return present, nil
}

// TrackedUsers implements Store.
func (m *MemoryStore) TrackedUsers(context.Context) ([]types.TrackedUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.TrackedUser, 0, len(m.tracked))
	for u, dirty := range m.tracked {
		out = append(out, types.TrackedUser{UserID: u, Dirty: dirty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// IsUserTracked implements Store.
func (m *MemoryStore) IsUserTracked(_ context.Context, userID types.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tracked[userID]
	return ok, nil
}

// HasUsersForKeyQuery implements Store.
func (m *MemoryStore) HasUsersForKeyQuery(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dirty := range m.tracked {
		if dirty {
			return true, nil
		}
	}
	return false, nil
}

// IsMessageKnown implements Store.
func (m *MemoryStore) IsMessageKnown(_ context.Context, hash types.OlmMessageHash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hashes[hashKey(hash)], nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
