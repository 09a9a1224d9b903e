// Package machine is the user-facing façade of the crypto state
// machine: it demultiplexes sync deliveries to the sub-machines,
// drains their pending work into one ordered outbound request queue,
// and commits every operation's store mutations as one change set.
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cryptomachine/e2eemachine/internal/config"
	"github.com/cryptomachine/e2eemachine/internal/logging"
	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/internal/metrics"
	"github.com/cryptomachine/e2eemachine/pkg/account"
	"github.com/cryptomachine/e2eemachine/pkg/crosssigning"
	"github.com/cryptomachine/e2eemachine/pkg/cryptostore"
	"github.com/cryptomachine/e2eemachine/pkg/event"
	"github.com/cryptomachine/e2eemachine/pkg/gossip"
	"github.com/cryptomachine/e2eemachine/pkg/groupsession"
	"github.com/cryptomachine/e2eemachine/pkg/identity"
	"github.com/cryptomachine/e2eemachine/pkg/megolm"
	"github.com/cryptomachine/e2eemachine/pkg/requests"
	"github.com/cryptomachine/e2eemachine/pkg/session"
	"github.com/cryptomachine/e2eemachine/pkg/types"
	"github.com/cryptomachine/e2eemachine/pkg/verification"
)

// Machine is the orchestrator.
type Machine struct {
	log   *logging.Logger
	store cryptostore.Store

	account   *account.Account
	pickleKey []byte

	identity     *identity.Manager
	sessions     *session.Manager
	groups       *groupsession.Manager
	gossip       *gossip.Machine
	verification *verification.Machine

	xsignMu sync.RWMutex
	xsign   *crosssigning.Identity

	// reqMu guards the pending outbound request set: requests handed
	// out by OutgoingRequests stay pending until MarkRequestAsSent, so
	// a re-poll returns the same logical set.
	reqMu      sync.Mutex
	pending    map[string]requests.OutgoingRequest
	pendingIDs []string

	otkMu        sync.Mutex
	lastOTKCount int

	housekeeper *housekeeper
}

// Options tunes machine construction beyond the defaults.
type Options struct {
	OTKTargetCount      int
	VerificationTimeout time.Duration
	VerificationMethods []string
	GossipPolicy        gossip.Policy
}

// New builds a machine on an already-open store, creating the device
// account on first run and restoring it afterwards.
func New(ctx context.Context, userID types.UserID, deviceID types.DeviceID, store cryptostore.Store, pickleKey []byte, opts Options) (*Machine, error) {
	log := logging.Global().WithComponent("machine")

	var acc *account.Account
	stored, err := store.LoadAccount(ctx)
	switch {
	case errors.Is(err, cryptostore.ErrNotFound):
		acc, err = account.New(userID, deviceID)
		if err != nil {
			return nil, err
		}
		pickled, err := acc.Pickle(pickleKey)
		if err != nil {
			return nil, err
		}
		if err := store.SaveChanges(ctx, &types.ChangeSet{Account: &types.AccountChange{Pickled: pickled}}); err != nil {
			return nil, err
		}
		log.Info("created device account", "user_id", string(userID), "device_id", string(deviceID))
	case err != nil:
		return nil, err
	default:
		acc, err = account.Unpickle(stored.Pickled, pickleKey)
		if err != nil {
			return nil, err
		}
	}

	acc.SetMaxOneTimeKeys(opts.OTKTargetCount)

	m := &Machine{
		log:       log,
		store:     store,
		account:   acc,
		pickleKey: pickleKey,
		pending:   make(map[string]requests.OutgoingRequest),
	}

	m.identity = identity.NewManager(store, userID, deviceID)
	m.sessions = session.NewManager(acc, store, m.identity, pickleKey)
	m.groups = groupsession.NewManager(acc, store, m.sessions, m.identity, pickleKey)
	m.gossip = gossip.NewMachine(acc, store, m.sessions, m.groups, m.identity, opts.GossipPolicy, m.privateIdentity)
	m.verification = verification.NewMachine(acc, m.identity, opts.VerificationTimeout, opts.VerificationMethods)

	if stored, err := store.LoadPrivateIdentity(ctx); err == nil {
		xsign, err := crosssigning.FromChange(stored)
		if err != nil {
			return nil, err
		}
		m.xsign = xsign
	} else if !errors.Is(err, cryptostore.ErrNotFound) {
		return nil, err
	}

	return m, nil
}

// Open builds a machine from configuration, opening the configured
// store backend.
func Open(ctx context.Context, cfg *config.Config, userID types.UserID, deviceID types.DeviceID, passphrase []byte) (*Machine, error) {
	var store *cryptostore.SQLStore
	var err error
	switch cfg.Store.Backend {
	case "sqlite":
		store, err = cryptostore.OpenSQLite(cfg.Store.Path, passphrase, cfg.Store.PBKDF2Iterations)
	default:
		store, err = cryptostore.OpenSQLCipher(cfg.Store.Path, passphrase, cfg.Store.PBKDF2Iterations)
	}
	if err != nil {
		return nil, err
	}
	opts := Options{
		OTKTargetCount:      cfg.Account.OneTimeKeyTargetCount,
		VerificationTimeout: time.Duration(cfg.Verification.SASTimeoutSeconds) * time.Second,
		VerificationMethods: cfg.Verification.AcceptMethods,
	}
	m, err := New(ctx, userID, deviceID, store, store.PickleKey(), opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return m, nil
}

func (m *Machine) privateIdentity() *crosssigning.Identity {
	m.xsignMu.RLock()
	defer m.xsignMu.RUnlock()
	return m.xsign
}

// Account exposes the device account.
func (m *Machine) Account() *account.Account { return m.account }

// Identity exposes the identity manager.
func (m *Machine) Identity() *identity.Manager { return m.identity }

// Verification exposes the verification machine for UI-driven steps
// (accept, start, confirm, QR).
func (m *Machine) Verification() *verification.Machine { return m.verification }

// Close releases the store.
func (m *Machine) Close() error {
	if m.housekeeper != nil {
		m.housekeeper.stop()
	}
	return m.store.Close()
}

func (m *Machine) commit(ctx context.Context, changes *types.ChangeSet) error {
	if changes.IsEmpty() {
		return nil
	}
	if err := m.store.SaveChanges(ctx, changes); err != nil {
		metrics.StoreCommits.WithLabelValues("error").Inc()
		return err
	}
	metrics.StoreCommits.WithLabelValues("ok").Inc()
	return nil
}

// accountChange pickles the account for persistence.
func (m *Machine) accountChange() (*types.AccountChange, error) {
	pickled, err := m.account.Pickle(m.pickleKey)
	if err != nil {
		return nil, err
	}
	m.otkMu.Lock()
	count := m.lastOTKCount
	m.otkMu.Unlock()
	return &types.AccountChange{Pickled: pickled, UploadedOTKCount: count}, nil
}

// ReceiveSyncChanges feeds one sync's worth of server deliveries into
// the machine. Everything it learned is committed as one change set
// before it returns; recoverable per-event failures are reflected in
// the returned list, never as an error.
func (m *Machine) ReceiveSyncChanges(ctx context.Context, toDevice []event.ToDevice, changedUsers []types.UserID, otkCounts map[string]int, unusedFallbackKeys []string) ([]event.DecryptedToDevice, error) {
	changes := &types.ChangeSet{}
	var results []event.DecryptedToDevice

	// (a) Expire idle verifications; their synthetic cancels surface
	// like received events.
	for _, cancel := range m.verification.GarbageCollect() {
		results = append(results, event.DecryptedToDevice{Raw: cancel})
	}

	// (b) Key counts and fallback state.
	accountDirty := false
	if count, ok := otkCounts["signed_curve25519"]; ok {
		m.otkMu.Lock()
		m.lastOTKCount = count
		m.otkMu.Unlock()
		if m.account.NeedsMoreOneTimeKeys(count) {
			missing := m.account.MaxOneTimeKeys() - count
			if err := m.account.GenerateOneTimeKeys(missing); err != nil {
				return nil, err
			}
			accountDirty = true
		}
	}
	if unusedFallbackKeys != nil {
		unused := false
		for _, alg := range unusedFallbackKeys {
			if alg == "signed_curve25519" {
				unused = true
			}
		}
		// Rotate the moment the server stops listing an unused
		// fallback key; a key that was never minted also lands here.
		rotated, err := m.account.EnsureFallbackKey(!unused)
		if err != nil {
			return nil, err
		}
		accountDirty = accountDirty || rotated
	}

	// (c) Dirty users owe a keys-query.
	for _, u := range changedUsers {
		if err := m.identity.MarkUserAsChanged(ctx, u); err != nil {
			return nil, err
		}
	}

	// (d) Route each to-device event.
	for _, ev := range toDevice {
		result, evChanges := m.routeToDevice(ctx, ev)
		changes.Merge(evChanges)
		if result != nil {
			results = append(results, *result)
		}
	}

	// (e)/(f) one atomic commit, account refreshed if touched.
	if accountDirty || len(changes.Sessions) > 0 {
		acc, err := m.accountChange()
		if err != nil {
			return nil, err
		}
		changes.Account = acc
	}
	if err := m.commit(ctx, changes); err != nil {
		return nil, err
	}
	return results, nil
}

// routeToDevice dispatches one to-device event, returning what the
// application should see plus the store changes it produced.
func (m *Machine) routeToDevice(ctx context.Context, ev event.ToDevice) (*event.DecryptedToDevice, *types.ChangeSet) {
	changes := &types.ChangeSet{}
	switch ev.Type {
	case event.TypeRoomEncrypted:
		return m.routeEncrypted(ctx, ev, changes), changes

	case event.TypeRoomKeyRequest:
		var c event.RoomKeyRequestContent
		if err := event.ParseContent(ev, &c); err != nil {
			m.log.Warn("malformed room key request", "error", err.Error())
			return nil, changes
		}
		req, chg, err := m.gossip.ReceiveIncomingKeyRequest(ctx, ev.Sender, c)
		if err != nil {
			m.log.Warn("key request not honored", "error", err.Error())
			return nil, changes
		}
		changes.Merge(chg)
		if req != nil {
			m.enqueue(req)
		}
		return nil, changes

	case event.TypeSecretRequest:
		var c event.SecretRequestContent
		if err := event.ParseContent(ev, &c); err != nil {
			m.log.Warn("malformed secret request", "error", err.Error())
			return nil, changes
		}
		req, chg, err := m.gossip.ReceiveIncomingSecretRequest(ctx, ev.Sender, c)
		if err != nil {
			m.log.Warn("secret request not honored", "error", err.Error())
			return nil, changes
		}
		changes.Merge(chg)
		if req != nil {
			m.enqueue(req)
		}
		return nil, changes

	case event.TypeDummy:
		return nil, changes

	default:
		if event.IsVerificationType(ev.Type) {
			chg, err := m.verification.ReceiveEvent(ctx, ev.Sender, ev.Type, ev.Content)
			if err != nil {
				m.log.Warn("verification event rejected", "type", ev.Type, "error", err.Error())
			}
			changes.Merge(chg)
		}
		// Raw events pass through for the application.
		return &event.DecryptedToDevice{Raw: ev}, changes
	}
}

// routeEncrypted pairwise-decrypts an encrypted to-device event and
// dispatches its inner payload.
func (m *Machine) routeEncrypted(ctx context.Context, ev event.ToDevice, changes *types.ChangeSet) *event.DecryptedToDevice {
	var c event.EncryptedToDeviceContent
	if err := event.ParseContent(ev, &c); err != nil {
		m.log.Warn("malformed encrypted to-device event", "error", err.Error())
		return &event.DecryptedToDevice{Raw: ev, DecryptError: err}
	}
	if c.Algorithm != event.AlgorithmOlm {
		err := machineerr.Newf("INP-002", "unsupported to-device algorithm %q", c.Algorithm)
		return &event.DecryptedToDevice{Raw: ev, DecryptError: err}
	}

	payload, chg, err := m.sessions.DecryptToDevice(ctx, ev.Sender, &c)
	changes.Merge(chg)
	if err != nil {
		if session.IsWedged(err) {
			// Recovery is queued inside the session manager; the event
			// itself stays undecryptable.
			m.log.Warn("wedged session detected", "sender", string(ev.Sender))
		}
		return &event.DecryptedToDevice{Raw: ev, SenderKey: c.SenderKey, DecryptError: err}
	}

	result := &event.DecryptedToDevice{Raw: ev, Decrypted: payload, SenderKey: c.SenderKey}

	switch payload.Type {
	case event.TypeRoomKey:
		var rk event.RoomKeyContent
		if err := json.Unmarshal(payload.Content, &rk); err != nil || rk.Algorithm != event.AlgorithmMegolm {
			m.log.Warn("dropping malformed room key")
			return result
		}
		inbound, err := megolm.NewInboundSession(rk.RoomID, c.SenderKey, rk.SessionKey)
		if err != nil {
			m.log.Warn("dropping unusable room key", "error", err.Error())
			return result
		}
		added, chg, err := m.groups.AddInboundSession(ctx, inbound)
		if err != nil {
			m.log.Warn("storing room key failed", "error", err.Error())
			return result
		}
		changes.Merge(chg)
		if added {
			satisfied, err := m.gossip.MarkRequestSatisfied(ctx, rk.RoomID, c.SenderKey, rk.SessionID)
			if err == nil {
				changes.Merge(satisfied)
			}
		}

	case event.TypeForwardedRoomKey:
		var fk event.ForwardedRoomKeyContent
		if err := json.Unmarshal(payload.Content, &fk); err != nil {
			m.log.Warn("dropping malformed forwarded room key")
			return result
		}
		chg, err := m.gossip.ReceiveForwardedRoomKey(ctx, c.SenderKey, fk)
		if err != nil {
			m.log.Warn("forwarded room key rejected", "error", err.Error())
			return result
		}
		changes.Merge(chg)

	case event.TypeSecretSend:
		var ss event.SecretSendContent
		if err := json.Unmarshal(payload.Content, &ss); err != nil {
			m.log.Warn("dropping malformed secret send")
			return result
		}
		name, value, chg, err := m.gossip.ReceiveSecretSend(ctx, ev.Sender, ss)
		if err != nil {
			m.log.Warn("secret send rejected", "error", err.Error())
			return result
		}
		changes.Merge(chg)
		if name != "" {
			if chg := m.applyGossipedSecret(ctx, name, value); chg != nil {
				changes.Merge(chg)
			}
		}

	default:
		if event.IsVerificationType(payload.Type) {
			chg, err := m.verification.ReceiveEvent(ctx, ev.Sender, payload.Type, payload.Content)
			if err != nil {
				m.log.Warn("verification event rejected", "type", payload.Type, "error", err.Error())
			}
			changes.Merge(chg)
		}
	}
	return result
}

// applyGossipedSecret folds a received cross-signing seed into the
// local private identity.
func (m *Machine) applyGossipedSecret(ctx context.Context, name string, value []byte) *types.ChangeSet {
	m.xsignMu.Lock()
	defer m.xsignMu.Unlock()

	var p types.PrivateCrossSigningIdentity
	if m.xsign != nil {
		p = *m.xsign.ToChange()
	} else {
		p = types.PrivateCrossSigningIdentity{UserID: m.account.UserID()}
	}
	switch name {
	case gossip.SecretCrossSigningMaster:
		p.MasterSeed = value
	case gossip.SecretCrossSigningSelfSigning:
		p.SelfSigningSeed = value
	case gossip.SecretCrossSigningUserSigning:
		p.UserSigningSeed = value
	default:
		return nil
	}
	if p.MasterSeed == nil || p.SelfSigningSeed == nil || p.UserSigningSeed == nil {
		// Incomplete until all three arrive; persist what we have.
		return &types.ChangeSet{PrivateIdentity: &p}
	}
	xsign, err := crosssigning.FromChange(&p)
	if err != nil {
		m.log.Warn("gossiped cross-signing seeds unusable", "error", err.Error())
		return nil
	}
	m.xsign = xsign
	m.log.SecurityEvent(ctx, "cross_signing_restored_from_gossip")
	return &types.ChangeSet{PrivateIdentity: &p}
}

func (m *Machine) enqueue(req requests.OutgoingRequest) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	if _, ok := m.pending[req.ID()]; ok {
		return
	}
	m.pending[req.ID()] = req
	m.pendingIDs = append(m.pendingIDs, req.ID())
}

// OutgoingRequests returns every request still awaiting
// MarkRequestAsSent, in the order they were queued. Each poll queues its
// new work as keys upload, keys query, keys claim, verification traffic,
// gossip traffic, behind any requests still pending from earlier polls
// or queued by other operations. Requests stay pending until
// MarkRequestAsSent, so polling again returns the same logical set.
func (m *Machine) OutgoingRequests(ctx context.Context) ([]requests.OutgoingRequest, error) {
	// Keys upload when the pool is light or never published; an upload
	// still awaiting MarkRequestAsSent is not built a second time.
	m.reqMu.Lock()
	uploadPending := false
	for _, req := range m.pending {
		if req.Kind() == requests.KindKeysUpload {
			uploadPending = true
		}
	}
	m.reqMu.Unlock()
	if !uploadPending {
		if upload, err := m.buildKeysUpload(ctx); err != nil {
			return nil, err
		} else if upload != nil {
			m.enqueue(upload)
		}
	}

	if query, err := m.identity.UsersForKeyQuery(ctx); err != nil {
		return nil, err
	} else if query != nil {
		m.enqueue(query)
	}

	tracked, err := m.store.TrackedUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]types.UserID, 0, len(tracked))
	for _, t := range tracked {
		users = append(users, t.UserID)
	}
	if claim, err := m.sessions.GetMissingSessions(ctx, users); err != nil {
		return nil, err
	} else if claim != nil {
		m.enqueue(claim)
	}

	for _, req := range m.verification.OutgoingRequests() {
		m.enqueue(req)
	}

	gossipReqs, gossipChanges, err := m.gossip.OutgoingRequests(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.commit(ctx, gossipChanges); err != nil {
		return nil, err
	}
	for _, req := range gossipReqs {
		m.enqueue(req)
	}

	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	out := make([]requests.OutgoingRequest, 0, len(m.pendingIDs))
	for _, id := range m.pendingIDs {
		if req, ok := m.pending[id]; ok {
			out = append(out, req)
		}
	}
	return out, nil
}

// buildKeysUpload returns an upload request when one-time keys await
// upload, topping the pool up first when the server's count is below
// target; the current fallback key rides along. A fallback key alone
// does not produce an upload: with no one-time keys pending it returns
// nil.
func (m *Machine) buildKeysUpload(ctx context.Context) (*requests.KeysUploadRequest, error) {
	m.otkMu.Lock()
	count := m.lastOTKCount
	m.otkMu.Unlock()

	otks, err := m.account.SignedOneTimeKeysForUpload()
	if err != nil {
		return nil, err
	}
	// Top up only when nothing is already awaiting upload; a re-poll
	// before the ack must re-offer the same keys, not mint more.
	if len(otks) == 0 && m.account.NeedsMoreOneTimeKeys(count) {
		missing := m.account.MaxOneTimeKeys() - count
		if err := m.account.GenerateOneTimeKeys(missing); err != nil {
			return nil, err
		}
		if _, err := m.account.EnsureFallbackKey(false); err != nil {
			return nil, err
		}
		otks, err = m.account.SignedOneTimeKeysForUpload()
		if err != nil {
			return nil, err
		}
	}
	fallback, err := m.account.SignedFallbackKeyForUpload()
	if err != nil {
		return nil, err
	}
	if len(otks) == 0 {
		return nil, nil
	}
	deviceKeys, err := m.account.DeviceKeysForUpload()
	if err != nil {
		return nil, err
	}
	return requests.NewKeysUpload(deviceKeys, otks, fallback), nil
}

// MarkRequestAsSent delivers a response, routing it to the sub-machine
// that issued the request.
func (m *Machine) MarkRequestAsSent(ctx context.Context, requestID string, response requests.Response) error {
	m.reqMu.Lock()
	_, known := m.pending[requestID]
	delete(m.pending, requestID)
	for i, id := range m.pendingIDs {
		if id == requestID {
			m.pendingIDs = append(m.pendingIDs[:i], m.pendingIDs[i+1:]...)
			break
		}
	}
	m.reqMu.Unlock()
	if !known {
		m.log.Debug("response for unknown request", "request_id", requestID)
	}

	switch resp := response.(type) {
	case *requests.KeysUploadResponse:
		m.account.MarkOneTimeKeysAsPublished()
		if count, ok := resp.OneTimeKeyCounts["signed_curve25519"]; ok {
			m.otkMu.Lock()
			m.lastOTKCount = count
			m.otkMu.Unlock()
		}
		acc, err := m.accountChange()
		if err != nil {
			return err
		}
		return m.commit(ctx, &types.ChangeSet{Account: acc})

	case *requests.KeysQueryResponse:
		// Deleted and changed devices surface at the next share via
		// the recipient-set diff, which rotates when the set shrank.
		changes, _, _, err := m.identity.ReceiveKeysQueryResponse(ctx, resp)
		if err != nil {
			return err
		}
		return m.commit(ctx, changes)

	case *requests.KeysClaimResponse:
		changes, err := m.sessions.ReceiveKeysClaimResponse(ctx, resp)
		if err != nil {
			return err
		}
		acc, err := m.accountChange()
		if err != nil {
			return err
		}
		changes.Account = acc
		return m.commit(ctx, changes)

	case *requests.ToDeviceResponse:
		changes, err := m.groups.MarkShareRequestSent(ctx, requestID)
		if err != nil {
			return err
		}
		if changes != nil {
			return m.commit(ctx, changes)
		}
		return nil

	case *requests.SigningKeysUploadResponse:
		m.xsignMu.RLock()
		xsign := m.xsign
		m.xsignMu.RUnlock()
		if xsign != nil {
			xsign.MarkShared()
			return m.commit(ctx, &types.ChangeSet{PrivateIdentity: xsign.ToChange()})
		}
		return nil

	case *requests.SignatureUploadResponse, *requests.RoomMessageResponse, *requests.KeysBackupResponse:
		return nil
	}
	return nil
}
