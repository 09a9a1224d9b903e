// Package groupsession manages Megolm sessions: the per-room outbound
// session with its rotation policy, the fan-out that delivers its key
// to every recipient device over Olm, and the inbound session table
// with the better-session replacement rule.
package groupsession

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cryptomachine/e2eemachine/internal/logging"
	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/internal/metrics"
	"github.com/cryptomachine/e2eemachine/pkg/account"
	"github.com/cryptomachine/e2eemachine/pkg/cryptostore"
	"github.com/cryptomachine/e2eemachine/pkg/event"
	"github.com/cryptomachine/e2eemachine/pkg/identity"
	"github.com/cryptomachine/e2eemachine/pkg/megolm"
	"github.com/cryptomachine/e2eemachine/pkg/requests"
	"github.com/cryptomachine/e2eemachine/pkg/session"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// HistoryVisibility values that matter to the share filter.
const (
	VisibilityJoined = "joined"
	VisibilityShared = "shared"
)

// EncryptionSettings is the per-room policy share_group_session runs
// under.
type EncryptionSettings struct {
	RotationPeriod     time.Duration
	RotationMessages   int
	HistoryVisibility  string
	OnlyTrustedDevices bool
}

// DefaultSettings returns the standard rotation policy.
func DefaultSettings() EncryptionSettings {
	return EncryptionSettings{
		RotationPeriod:    7 * 24 * time.Hour,
		RotationMessages:  100,
		HistoryVisibility: VisibilityShared,
	}
}

// maxToDeviceBatch is the transport's per-request message limit.
const maxToDeviceBatch = 250

// outboundState pairs a live outbound session with its shared-with
// bookkeeping.
type outboundState struct {
	session    *megolm.OutboundSession
	sharedWith map[types.SharedWithDevice]bool
	settings   EncryptionSettings
}

// Manager is the group session manager.
type Manager struct {
	mu sync.Mutex

	account   *account.Account
	store     cryptostore.Store
	sessions  *session.Manager
	identity  *identity.Manager
	pickleKey []byte
	log       *logging.Logger

	outbound map[types.RoomID]*outboundState

	// roomLocks serializes sharing and rotation per room; Encrypt
	// takes the same lock so it never interleaves with rotation.
	roomLocks map[types.RoomID]*sync.Mutex

	// pendingShares maps a to-device request ID to the devices it will
	// mark shared once acknowledged.
	pendingShares map[string]pendingShare

	inbound map[string]*megolm.InboundSession
}

type pendingShare struct {
	roomID  types.RoomID
	devices []types.SharedWithDevice
}

// NewManager creates a group session manager.
func NewManager(acc *account.Account, store cryptostore.Store, sessions *session.Manager, idmgr *identity.Manager, pickleKey []byte) *Manager {
	return &Manager{
		account:       acc,
		store:         store,
		sessions:      sessions,
		identity:      idmgr,
		pickleKey:     pickleKey,
		log:           logging.Global().WithComponent("group"),
		outbound:      make(map[types.RoomID]*outboundState),
		roomLocks:     make(map[types.RoomID]*sync.Mutex),
		pendingShares: make(map[string]pendingShare),
		inbound:       make(map[string]*megolm.InboundSession),
	}
}

func (m *Manager) roomLock(roomID types.RoomID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		m.roomLocks[roomID] = l
	}
	return l
}

func inboundKey(roomID types.RoomID, senderKey types.Curve25519PublicKey, sessionID types.SessionID) string {
	return string(roomID) + "\x00" + string(senderKey) + "\x00" + string(sessionID)
}

// loadOutbound returns the live outbound state for a room, restoring
// it from the store on first touch.
func (m *Manager) loadOutbound(ctx context.Context, roomID types.RoomID) (*outboundState, error) {
	m.mu.Lock()
	if st, ok := m.outbound[roomID]; ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	stored, err := m.store.LoadOutboundGroupSession(ctx, roomID)
	if err == cryptostore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess, err := megolm.UnpickleOutbound(stored.Pickled, m.pickleKey)
	if err != nil {
		return nil, err
	}
	st := &outboundState{
		session:    sess,
		sharedWith: make(map[types.SharedWithDevice]bool, len(stored.SharedWith)),
		settings:   DefaultSettings(),
	}
	for _, d := range stored.SharedWith {
		st.sharedWith[d] = true
	}
	m.mu.Lock()
	m.outbound[roomID] = st
	m.mu.Unlock()
	return st, nil
}

func (m *Manager) outboundChange(st *outboundState, roomID types.RoomID) (*types.OutboundGroupSessionChange, error) {
	pickled, err := st.session.Pickle(m.pickleKey)
	if err != nil {
		return nil, err
	}
	shared := make([]types.SharedWithDevice, 0, len(st.sharedWith))
	for d := range st.sharedWith {
		shared = append(shared, d)
	}
	return &types.OutboundGroupSessionChange{
		RoomID:       roomID,
		SessionID:    st.session.ID(),
		Pickled:      pickled,
		CreatedAt:    st.session.CreatedAt(),
		MessageCount: st.session.MessageCount(),
		SharedWith:   shared,
	}, nil
}

// Encrypt seals a room event with the room's outbound session. Fails
// with a missing-outbound-session error when none exists or the
// session is due for rotation; the caller shares first, then retries.
func (m *Manager) Encrypt(ctx context.Context, roomID types.RoomID, eventType string, content json.RawMessage) (*event.EncryptedRoomContent, *types.ChangeSet, error) {
	lock := m.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.loadOutbound(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if st == nil || m.shouldRotate(st, nil) {
		return nil, nil, machineerr.NewBuilder("MEG-002").
			WithInput("room_id", string(roomID)).
			Build()
	}

	plaintext, err := json.Marshal(map[string]interface{}{
		"type":    eventType,
		"room_id": roomID,
		"content": content,
	})
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := st.session.Encrypt(plaintext)
	if err != nil {
		return nil, nil, err
	}

	change, err := m.outboundChange(st, roomID)
	if err != nil {
		return nil, nil, err
	}
	return &event.EncryptedRoomContent{
		Algorithm: event.AlgorithmMegolm,
		SenderKey: m.account.IdentityKeys().Curve25519,
		DeviceID:  m.account.DeviceID(),
		SessionID: st.session.ID(),
		Ciphertext: ciphertext,
	}, &types.ChangeSet{OutboundGroupSessions: []types.OutboundGroupSessionChange{*change}}, nil
}

// shouldRotate applies the rotation policy. A nil recipient set skips
// the shrink check (used by Encrypt, which only cares about expiry).
func (m *Manager) shouldRotate(st *outboundState, recipients map[types.SharedWithDevice]bool) bool {
	s := st.session
	switch {
	case s.Invalidated():
		return true
	case time.Since(s.CreatedAt()) > st.settings.RotationPeriod:
		return true
	case s.MessageCount() >= st.settings.RotationMessages:
		return true
	}
	if recipients == nil {
		return false
	}
	// Rotation on shrink only: a device that was shared to and is no
	// longer a recipient could otherwise keep reading.
	for d := range st.sharedWith {
		if !recipients[d] {
			return true
		}
	}
	return false
}

// ShareGroupSession computes the recipient device set for a room,
// rotates if the policy demands it, and produces the to-device
// requests that deliver the session key to every device that does not
// have it yet. Devices without an Olm session are left for the next
// claim round.
func (m *Manager) ShareGroupSession(ctx context.Context, roomID types.RoomID, users []types.UserID, settings EncryptionSettings) ([]*requests.ToDeviceRequest, *types.ChangeSet, error) {
	lock := m.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	changes := &types.ChangeSet{}

	// 1. Current recipient device set, filtered by policy.
	recipients := make(map[types.SharedWithDevice]bool)
	recipientDevices := make(map[types.SharedWithDevice]types.Device)
	for _, userID := range users {
		devices, err := m.identity.GetUserDevices(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		for _, d := range devices {
			if d.Deleted {
				continue
			}
			if d.UserID == m.account.UserID() && d.DeviceID == m.account.DeviceID() {
				continue
			}
			if d.LocalTrust == types.TrustBlackListed {
				continue
			}
			if settings.OnlyTrustedDevices && !m.identity.IsDeviceTrusted(ctx, &d) {
				continue
			}
			key := types.SharedWithDevice{UserID: d.UserID, DeviceID: d.DeviceID, SenderKey: d.IdentityKeyOf()}
			recipients[key] = true
			recipientDevices[key] = d
		}
	}

	// 2. Rotate if needed; persist the new inbound twin before any
	// message can be encrypted with the new session.
	st, err := m.loadOutbound(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	rotate := st == nil || m.shouldRotate(st, recipients)
	if rotate {
		reason := "new"
		if st != nil {
			switch {
			case st.session.Invalidated():
				reason = "invalidated"
			case time.Since(st.session.CreatedAt()) > settings.RotationPeriod:
				reason = "age"
			case st.session.MessageCount() >= settings.RotationMessages:
				reason = "message_count"
			default:
				reason = "recipient_left"
			}
		}
		metrics.GroupSessionsRotated.WithLabelValues(reason).Inc()

		outbound, err := megolm.NewOutboundSession(roomID)
		if err != nil {
			return nil, nil, err
		}
		inbound, err := outbound.InboundFromOutbound(m.account.IdentityKeys().Curve25519)
		if err != nil {
			return nil, nil, err
		}
		inboundChange, err := m.inboundChangeFor(inbound)
		if err != nil {
			return nil, nil, err
		}
		changes.InboundGroupSessions = append(changes.InboundGroupSessions, *inboundChange)
		m.mu.Lock()
		m.inbound[inboundKey(roomID, inbound.SenderKey(), inbound.ID())] = inbound
		m.mu.Unlock()

		st = &outboundState{
			session:    outbound,
			sharedWith: make(map[types.SharedWithDevice]bool),
			settings:   settings,
		}
		m.mu.Lock()
		m.outbound[roomID] = st
		m.mu.Unlock()
		m.log.WithRoomID(string(roomID)).Info("rotated outbound group session",
			"session_id", string(outbound.ID()), "reason", reason)
	}
	st.settings = settings

	// 3/4. Partition targets into those with an Olm session (encrypt
	// now) and those without (claimed next round).
	var toEncrypt []types.Device
	for key, device := range recipientDevices {
		if st.sharedWith[key] {
			continue
		}
		if !m.sessions.HasSession(ctx, device.IdentityKeyOf()) {
			continue
		}
		toEncrypt = append(toEncrypt, device)
	}

	sessionKey, err := st.session.SessionKey()
	if err != nil {
		return nil, nil, err
	}
	roomKeyContent, err := json.Marshal(event.RoomKeyContent{
		Algorithm:  event.AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  st.session.ID(),
		SessionKey: sessionKey,
	})
	if err != nil {
		return nil, nil, err
	}

	// Olm-encrypt the room key to each device concurrently; each
	// result is independent so a single failure only skips its device.
	type encrypted struct {
		device  types.Device
		content *event.EncryptedToDeviceContent
		changes *types.ChangeSet
	}
	results := make([]*encrypted, len(toEncrypt))
	g, gctx := errgroup.WithContext(ctx)
	for i := range toEncrypt {
		i := i
		device := toEncrypt[i]
		g.Go(func() error {
			content, chg, err := m.sessions.EncryptToDevice(gctx, &device, event.TypeRoomKey, roomKeyContent)
			if err != nil {
				m.log.Warn("skipping device for this share batch",
					"user_id", string(device.UserID), "device_id", string(device.DeviceID), "error", err.Error())
				return nil
			}
			results[i] = &encrypted{device: device, content: content, changes: chg}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// 5. Batch into to-device requests under the transport limit.
	var reqs []*requests.ToDeviceRequest
	var batch map[types.UserID]map[types.DeviceID]json.RawMessage
	var batchDevices []types.SharedWithDevice
	batchCount := 0
	flush := func() error {
		if batchCount == 0 {
			return nil
		}
		req := requests.NewToDevice(event.TypeRoomEncrypted, batch)
		reqs = append(reqs, req)
		m.mu.Lock()
		m.pendingShares[req.ID()] = pendingShare{roomID: roomID, devices: batchDevices}
		m.mu.Unlock()
		batch = nil
		batchDevices = nil
		batchCount = 0
		return nil
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		raw, err := json.Marshal(r.content)
		if err != nil {
			return nil, nil, err
		}
		if batch == nil {
			batch = make(map[types.UserID]map[types.DeviceID]json.RawMessage)
		}
		if batch[r.device.UserID] == nil {
			batch[r.device.UserID] = make(map[types.DeviceID]json.RawMessage)
		}
		batch[r.device.UserID][r.device.DeviceID] = raw
		batchDevices = append(batchDevices, types.SharedWithDevice{
			UserID:    r.device.UserID,
			DeviceID:  r.device.DeviceID,
			SenderKey: r.device.IdentityKeyOf(),
		})
		changes.Merge(r.changes)
		metrics.RoomKeysShared.Inc()
		batchCount++
		if batchCount >= maxToDeviceBatch {
			if err := flush(); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}

	outboundChange, err := m.outboundChange(st, roomID)
	if err != nil {
		return nil, nil, err
	}
	changes.OutboundGroupSessions = append(changes.OutboundGroupSessions, *outboundChange)
	return reqs, changes, nil
}

// MarkShareRequestSent records a share batch as delivered, adding its
// devices to the session's shared-with set.
func (m *Manager) MarkShareRequestSent(ctx context.Context, requestID string) (*types.ChangeSet, error) {
	m.mu.Lock()
	pending, ok := m.pendingShares[requestID]
	if ok {
		delete(m.pendingShares, requestID)
	}
	st := m.outbound[pending.roomID]
	m.mu.Unlock()
	if !ok || st == nil {
		return nil, nil
	}

	lock := m.roomLock(pending.roomID)
	lock.Lock()
	defer lock.Unlock()
	for _, d := range pending.devices {
		st.sharedWith[d] = true
	}
	change, err := m.outboundChange(st, pending.roomID)
	if err != nil {
		return nil, err
	}
	return &types.ChangeSet{OutboundGroupSessions: []types.OutboundGroupSessionChange{*change}}, nil
}

// InvalidateExpiredSessions invalidates every cached outbound session
// older than maxAge, forcing rotation at the next share. Returns how
// many were invalidated.
func (m *Manager) InvalidateExpiredSessions(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for roomID, st := range m.outbound {
		if !st.session.Invalidated() && time.Since(st.session.CreatedAt()) > maxAge {
			st.session.Invalidate()
			n++
			m.log.WithRoomID(string(roomID)).Debug("outbound session aged out")
		}
	}
	return n
}

// InvalidateOutboundSession forces rotation on the next share.
func (m *Manager) InvalidateOutboundSession(roomID types.RoomID) {
	m.mu.Lock()
	st := m.outbound[roomID]
	m.mu.Unlock()
	if st != nil {
		st.session.Invalidate()
	}
}

func (m *Manager) inboundChangeFor(s *megolm.InboundSession) (*types.InboundGroupSessionChange, error) {
	pickled, err := s.Pickle(m.pickleKey)
	if err != nil {
		return nil, err
	}
	return &types.InboundGroupSessionChange{
		RoomID:          s.RoomID(),
		SenderKey:       s.SenderKey(),
		SessionID:       s.ID(),
		Pickled:         pickled,
		ForwardingChain: s.ForwardingChain(),
		FirstKnownIndex: s.FirstKnownIndex(),
		BackedUp:        s.BackedUp(),
		Imported:        s.Imported(),
	}, nil
}

// GetInboundSession returns a live inbound session, loading it from
// the store on first touch.
func (m *Manager) GetInboundSession(ctx context.Context, roomID types.RoomID, senderKey types.Curve25519PublicKey, sessionID types.SessionID) (*megolm.InboundSession, error) {
	key := inboundKey(roomID, senderKey, sessionID)
	m.mu.Lock()
	if s, ok := m.inbound[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	stored, err := m.store.LoadInboundGroupSession(ctx, roomID, senderKey, sessionID)
	if err != nil {
		return nil, err
	}
	s, err := megolm.UnpickleInbound(stored.Pickled, m.pickleKey)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.inbound[key] = s
	m.mu.Unlock()
	return s, nil
}

// AddInboundSession inserts an inbound session subject to the
// better-session rule: an existing session survives unless the
// incoming one starts at an equal or lower index. Reports whether the
// session was stored.
func (m *Manager) AddInboundSession(ctx context.Context, incoming *megolm.InboundSession) (bool, *types.ChangeSet, error) {
	existing, err := m.GetInboundSession(ctx, incoming.RoomID(), incoming.SenderKey(), incoming.ID())
	if err != nil && err != cryptostore.ErrNotFound {
		return false, nil, err
	}
	if existing != nil && existing.FirstKnownIndex() < incoming.FirstKnownIndex() {
		return false, nil, nil
	}

	change, err := m.inboundChangeFor(incoming)
	if err != nil {
		return false, nil, err
	}
	m.mu.Lock()
	m.inbound[inboundKey(incoming.RoomID(), incoming.SenderKey(), incoming.ID())] = incoming
	m.mu.Unlock()
	return true, &types.ChangeSet{InboundGroupSessions: []types.InboundGroupSessionChange{*change}}, nil
}
