// Package session manages pairwise Olm sessions: creating them from
// claimed one-time keys or incoming pre-key messages, picking the best
// session for outbound encryption, and recovering peers whose sessions
// have wedged.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cryptomachine/e2eemachine/internal/logging"
	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/internal/metrics"
	"github.com/cryptomachine/e2eemachine/pkg/account"
	"github.com/cryptomachine/e2eemachine/pkg/cryptostore"
	"github.com/cryptomachine/e2eemachine/pkg/event"
	"github.com/cryptomachine/e2eemachine/pkg/identity"
	"github.com/cryptomachine/e2eemachine/pkg/olm"
	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/requests"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// wedgedError reports that no session with the peer could decrypt a
// message; the peer is recorded for recovery and the caller moves on.
type wedgedError struct {
	UserID    types.UserID
	SenderKey types.Curve25519PublicKey
}

func (e *wedgedError) Error() string {
	return "session wedged with " + string(e.UserID)
}

// IsWedged reports whether err is a wedged-session condition.
func IsWedged(err error) bool {
	_, ok := err.(*wedgedError)
	return ok
}

type claimKey struct {
	userID   types.UserID
	deviceID types.DeviceID
}

// Manager is the session manager.
type Manager struct {
	mu sync.Mutex

	account   *account.Account
	store     cryptostore.Store
	identity  *identity.Manager
	pickleKey []byte
	log       *logging.Logger

	// sessions caches live ratchets by peer Curve25519 key. The store
	// holds the durable pickles; this map holds the mutable interiors.
	sessions map[types.Curve25519PublicKey][]*olm.Session

	// wedged holds peers owed a fresh session, keyed by their
	// Curve25519 key.
	wedged map[types.Curve25519PublicKey]types.UserID

	// pendingClaim enforces at most one claim in flight per device.
	pendingClaim map[claimKey]bool

	// claimLimiter paces claim request construction.
	claimLimiter *rate.Limiter
}

// NewManager creates a session manager.
func NewManager(acc *account.Account, store cryptostore.Store, idmgr *identity.Manager, pickleKey []byte) *Manager {
	return &Manager{
		account:      acc,
		store:        store,
		identity:     idmgr,
		pickleKey:    pickleKey,
		log:          logging.Global().WithComponent("session"),
		sessions:     make(map[types.Curve25519PublicKey][]*olm.Session),
		wedged:       make(map[types.Curve25519PublicKey]types.UserID),
		pendingClaim: make(map[claimKey]bool),
		claimLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// sessionsForPeer returns the live sessions for a peer, loading and
// unpickling from the store on first touch.
func (m *Manager) sessionsForPeer(ctx context.Context, peer types.Curve25519PublicKey) ([]*olm.Session, error) {
	if cached, ok := m.sessions[peer]; ok {
		return cached, nil
	}
	stored, err := m.store.LoadSessionsForSender(ctx, peer)
	if err != nil {
		return nil, err
	}
	out := make([]*olm.Session, 0, len(stored))
	for _, sc := range stored {
		s, err := olm.Unpickle(sc.Pickled, m.pickleKey)
		if err != nil {
			m.log.Warn("dropping unreadable session pickle",
				"sender_key", string(peer), "session_id", string(sc.SessionID))
			continue
		}
		out = append(out, s)
	}
	m.sessions[peer] = out
	return out, nil
}

// GetMissingSessions builds the claim request covering every known
// non-deleted device without a session, plus every wedged peer.
// Returns nil when nothing is owed.
func (m *Manager) GetMissingSessions(ctx context.Context, users []types.UserID) (*requests.KeysClaimRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim := make(map[types.UserID]map[types.DeviceID]string)
	add := func(userID types.UserID, deviceID types.DeviceID) {
		key := claimKey{userID, deviceID}
		if m.pendingClaim[key] {
			return
		}
		if claim[userID] == nil {
			claim[userID] = make(map[types.DeviceID]string)
		}
		claim[userID][deviceID] = "signed_curve25519"
		m.pendingClaim[key] = true
	}

	for _, userID := range users {
		devices, err := m.identity.GetUserDevices(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			if d.Deleted || (d.UserID == m.account.UserID() && d.DeviceID == m.account.DeviceID()) {
				continue
			}
			peer := d.IdentityKeyOf()
			if peer == "" {
				continue
			}
			if _, wedged := m.wedged[peer]; wedged {
				add(d.UserID, d.DeviceID)
				continue
			}
			existing, err := m.sessionsForPeer(ctx, peer)
			if err != nil {
				return nil, err
			}
			if len(existing) == 0 {
				add(d.UserID, d.DeviceID)
			}
		}
	}

	// Wedged peers are claimed even when their user was not asked for.
	for peer, userID := range m.wedged {
		if d, err := m.identity.GetDeviceByCurve(ctx, userID, peer); err == nil {
			add(d.UserID, d.DeviceID)
		}
	}

	if len(claim) == 0 {
		return nil, nil
	}
	if !m.claimLimiter.Allow() {
		// Back off: release the pending markers so the next call can
		// retry the same devices.
		for userID, devices := range claim {
			for deviceID := range devices {
				delete(m.pendingClaim, claimKey{userID, deviceID})
			}
		}
		return nil, nil
	}
	return requests.NewKeysClaim(claim), nil
}

// signedOneTimeKey is the claimed key JSON shape.
type signedOneTimeKey struct {
	Key        string                               `json:"key"`
	Signatures map[types.UserID]map[types.KeyID]string `json:"signatures"`
	Fallback   bool                                 `json:"fallback,omitempty"`
}

// ReceiveKeysClaimResponse creates outbound sessions from the claimed
// keys. Keys whose device signature does not verify are skipped with a
// warning; the device stays without a session, so the next
// GetMissingSessions call claims a key for it again.
func (m *Manager) ReceiveKeysClaimResponse(ctx context.Context, resp *requests.KeysClaimResponse) (*types.ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changes := &types.ChangeSet{}
	for userID, devices := range resp.OneTimeKeys {
		for deviceID, claimed := range devices {
			delete(m.pendingClaim, claimKey{userID, deviceID})

			device, err := m.identity.GetDevice(ctx, userID, deviceID)
			if err != nil {
				m.log.Warn("claimed key for unknown device",
					"user_id", string(userID), "device_id", string(deviceID))
				continue
			}

			var signed signedOneTimeKey
			if err := json.Unmarshal(claimed.Signed, &signed); err != nil {
				m.log.Warn("malformed claimed key",
					"user_id", string(userID), "device_id", string(deviceID))
				continue
			}
			payload := struct {
				Key      string `json:"key"`
				Fallback bool   `json:"fallback,omitempty"`
			}{signed.Key, signed.Fallback}
			canon, err := primitives.CanonicalJSON(payload)
			if err != nil {
				continue
			}
			sig := signed.Signatures[userID][types.KeyID("ed25519:"+string(deviceID))]
			if !primitives.VerifySignature(device.SigningKeyOf(), canon, sig) {
				m.log.Warn("claimed key signature invalid",
					"user_id", string(userID), "device_id", string(deviceID))
				continue
			}

			peerIdentity := device.IdentityKeyOf()
			sess, err := olm.NewOutbound(
				m.account.CurvePrivate(),
				m.account.IdentityKeys().Curve25519,
				peerIdentity,
				types.Curve25519PublicKey(signed.Key),
			)
			if err != nil {
				m.log.Warn("failed to build outbound session",
					"user_id", string(userID), "device_id", string(deviceID), "error", err.Error())
				continue
			}
			m.sessions[peerIdentity] = append([]*olm.Session{sess}, m.sessions[peerIdentity]...)
			delete(m.wedged, peerIdentity)
			metrics.OlmSessionsCreated.WithLabelValues("outbound").Inc()

			pickled, err := sess.Pickle(m.pickleKey)
			if err != nil {
				return nil, err
			}
			changes.Sessions = append(changes.Sessions, types.SessionChange{
				SenderKey: peerIdentity,
				SessionID: sess.ID(),
				Pickled:   pickled,
				LastUsed:  sess.LastUsed(),
			})
		}
	}
	return changes, nil
}

// MarkDeviceAsWedged schedules a fresh claim for the peer; the next
// outbound message to it must use the new session.
func (m *Manager) MarkDeviceAsWedged(userID types.UserID, senderKey types.Curve25519PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wedged[senderKey] = userID
	m.log.SecurityEvent(context.Background(), "session_wedged",
		"user_id", string(userID), "sender_key", string(senderKey))
}

// WedgedPeers returns the peers currently owed a new session.
func (m *Manager) WedgedPeers() map[types.Curve25519PublicKey]types.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.Curve25519PublicKey]types.UserID, len(m.wedged))
	for k, v := range m.wedged {
		out[k] = v
	}
	return out
}

// HasSession reports whether any session exists toward a peer key.
func (m *Manager) HasSession(ctx context.Context, peer types.Curve25519PublicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, err := m.sessionsForPeer(ctx, peer)
	return err == nil && len(sessions) > 0
}

// EncryptToDevice seals an event payload for a peer device over the
// best available session, returning the m.room.encrypted content and
// the session change to persist.
func (m *Manager) EncryptToDevice(ctx context.Context, device *types.Device, eventType string, content json.RawMessage) (*event.EncryptedToDeviceContent, *types.ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer := device.IdentityKeyOf()
	sessions, err := m.sessionsForPeer(ctx, peer)
	if err != nil {
		return nil, nil, err
	}
	if len(sessions) == 0 {
		return nil, nil, machineerr.NewBuilder("OLM-001").
			WithInput("user_id", string(device.UserID)).
			WithInput("device_id", string(device.DeviceID)).
			Build()
	}
	sess := sessions[0]

	payload := event.DecryptedOlmPayload{
		Sender:    m.account.UserID(),
		Recipient: device.UserID,
		RecipientKeys: map[string]string{
			"ed25519": string(device.SigningKeyOf()),
		},
		Keys: map[string]string{
			"ed25519": string(m.account.IdentityKeys().Ed25519),
		},
		Type:    eventType,
		Content: content,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	msg, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, nil, err
	}

	pickled, err := sess.Pickle(m.pickleKey)
	if err != nil {
		return nil, nil, err
	}
	changes := &types.ChangeSet{Sessions: []types.SessionChange{{
		SenderKey: peer,
		SessionID: sess.ID(),
		Pickled:   pickled,
		LastUsed:  sess.LastUsed(),
	}}}

	return &event.EncryptedToDeviceContent{
		Algorithm: event.AlgorithmOlm,
		SenderKey: m.account.IdentityKeys().Curve25519,
		Ciphertext: map[types.Curve25519PublicKey]event.OlmCiphertext{
			peer: {Type: msg.Type, Body: msg.Body},
		},
	}, changes, nil
}

// DecryptToDevice opens an encrypted to-device event addressed to us.
// On success the decrypted inner payload, its sender key, and the
// store changes (advanced ratchet, possibly a new inbound session and
// a replay hash) are returned. A total failure across all sessions
// records the peer as wedged.
func (m *Manager) DecryptToDevice(ctx context.Context, sender types.UserID, content *event.EncryptedToDeviceContent) (*event.DecryptedOlmPayload, *types.ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ourKey := m.account.IdentityKeys().Curve25519
	ciphertext, ok := content.Ciphertext[ourKey]
	if !ok {
		return nil, nil, machineerr.New("OLM-004", "no ciphertext for our key")
	}
	msg := olm.Message{Type: ciphertext.Type, Body: ciphertext.Body}
	senderKey := content.SenderKey

	changes := &types.ChangeSet{}

	// Replay rejection: a pre-key message we already accepted must not
	// advance anything.
	if msg.Type == olm.MessageTypePreKey {
		known, err := m.store.IsMessageKnown(ctx, types.OlmMessageHash{SenderKey: senderKey, Hash: msg.Hash()})
		if err != nil {
			return nil, nil, err
		}
		if known {
			m.log.Debug("dropping replayed pre-key message", "sender_key", string(senderKey))
			return nil, nil, machineerr.New("OLM-003", "pre-key message replayed")
		}
	}

	sessions, err := m.sessionsForPeer(ctx, senderKey)
	if err != nil {
		return nil, nil, err
	}
	for i, sess := range sessions {
		if msg.Type == olm.MessageTypePreKey && !sess.MatchesPreKey(msg) {
			continue
		}
		plaintext, err := sess.Decrypt(msg)
		if err != nil {
			continue
		}
		if i > 0 {
			// The session that decrypted most recently becomes the one
			// EncryptToDevice picks.
			preferred := append([]*olm.Session{sess}, sessions[:i]...)
			m.sessions[senderKey] = append(preferred, sessions[i+1:]...)
		}
		return m.finishDecrypt(sender, senderKey, sess, plaintext, msg, changes)
	}

	if msg.Type == olm.MessageTypePreKey {
		payload, chg, err := m.createInboundAndDecrypt(sender, senderKey, msg)
		if err == nil {
			changes.Merge(chg)
			return payload, changes, nil
		}
		metrics.OlmDecryptFailures.WithLabelValues("prekey").Inc()
		return nil, nil, err
	}

	// A normal message no session can open means the ratchets have
	// diverged: recovery runs through a fresh claim.
	metrics.OlmDecryptFailures.WithLabelValues("wedged").Inc()
	m.wedged[senderKey] = sender
	return nil, nil, &wedgedError{UserID: sender, SenderKey: senderKey}
}

func (m *Manager) createInboundAndDecrypt(sender types.UserID, senderKey types.Curve25519PublicKey, msg olm.Message) (*event.DecryptedOlmPayload, *types.ChangeSet, error) {
	otkPub, err := preKeyOneTimeKey(msg)
	if err != nil {
		return nil, nil, err
	}
	keyID, otkPriv, isFallback, found := m.account.FindOneTimeKeyByPublic(otkPub)
	if !found {
		m.wedged[senderKey] = sender
		return nil, nil, &wedgedError{UserID: sender, SenderKey: senderKey}
	}

	sess, err := olm.NewInbound(m.account.CurvePrivate(), otkPriv, msg)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := sess.Decrypt(msg)
	if err != nil {
		m.wedged[senderKey] = sender
		return nil, nil, &wedgedError{UserID: sender, SenderKey: senderKey}
	}

	// The one-time key is consumed for good; fallback keys survive
	// until rotated.
	if !isFallback {
		m.account.ForgetOneTimeKey(keyID)
	}
	m.sessions[senderKey] = append([]*olm.Session{sess}, m.sessions[senderKey]...)
	metrics.OlmSessionsCreated.WithLabelValues("inbound").Inc()

	changes := &types.ChangeSet{}
	return m.finishDecrypt(sender, senderKey, sess, plaintext, msg, changes)
}

func (m *Manager) finishDecrypt(sender types.UserID, senderKey types.Curve25519PublicKey, sess *olm.Session, plaintext []byte, msg olm.Message, changes *types.ChangeSet) (*event.DecryptedOlmPayload, *types.ChangeSet, error) {
	var payload event.DecryptedOlmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, nil, machineerr.NewBuilder("INP-001").Wrap(err).WithMessage("decrypted payload malformed").Build()
	}
	if payload.Recipient != "" && payload.Recipient != m.account.UserID() {
		return nil, nil, machineerr.New("OLM-004", "decrypted payload addressed to another user")
	}
	if want := payload.RecipientKeys["ed25519"]; want != "" && want != string(m.account.IdentityKeys().Ed25519) {
		return nil, nil, machineerr.New("OLM-004", "decrypted payload bound to another device key")
	}
	if payload.Sender != "" && payload.Sender != sender {
		return nil, nil, machineerr.New("OLM-004", "decrypted payload claims another sender")
	}

	pickled, err := sess.Pickle(m.pickleKey)
	if err != nil {
		return nil, nil, err
	}
	changes.Sessions = append(changes.Sessions, types.SessionChange{
		SenderKey: senderKey,
		SessionID: sess.ID(),
		Pickled:   pickled,
		LastUsed:  sess.LastUsed(),
	})
	if msg.Type == olm.MessageTypePreKey {
		changes.MessageHashes = append(changes.MessageHashes, types.OlmMessageHash{
			SenderKey: senderKey,
			Hash:      msg.Hash(),
		})
	}
	return &payload, changes, nil
}

// preKeyOneTimeKey pulls the claimed one-time key out of a pre-key
// message body without building a session.
func preKeyOneTimeKey(msg olm.Message) (types.Curve25519PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(msg.Body)
	if err != nil {
		return "", machineerr.New("OLM-004", "pre-key body not base64")
	}
	var w struct {
		OneTimeKey types.Curve25519PublicKey `json:"one_time_key"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", machineerr.New("OLM-004", "pre-key body malformed")
	}
	if w.OneTimeKey == "" {
		return "", machineerr.New("OLM-004", "pre-key message names no one-time key")
	}
	return w.OneTimeKey, nil
}
