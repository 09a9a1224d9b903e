package machine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/pkg/crosssigning"
	"github.com/cryptomachine/e2eemachine/pkg/cryptostore"
	"github.com/cryptomachine/e2eemachine/pkg/event"
	"github.com/cryptomachine/e2eemachine/pkg/groupsession"
	"github.com/cryptomachine/e2eemachine/pkg/megolm"
	"github.com/cryptomachine/e2eemachine/pkg/requests"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// IsMissingRoomKey reports whether err is a missing-inbound-session
// failure the caller can recover from by waiting for gossip.
func IsMissingRoomKey(err error) bool {
	var traced *machineerr.TracedError
	return errors.As(err, &traced) && traced.Code == "MEG-001"
}

// IsMissingOutboundSession reports whether err means the room needs a
// share_group_session before encrypting.
func IsMissingOutboundSession(err error) bool {
	var traced *machineerr.TracedError
	return errors.As(err, &traced) && traced.Code == "MEG-002"
}

// Encrypt seals a room event with the room's current outbound group
// session. The session must already exist and not be due for
// rotation; otherwise the caller shares first.
func (m *Machine) Encrypt(ctx context.Context, roomID types.RoomID, eventType string, content json.RawMessage) (*event.EncryptedRoomContent, error) {
	encrypted, changes, err := m.groups.Encrypt(ctx, roomID, eventType, content)
	if err != nil {
		return nil, err
	}
	if err := m.commit(ctx, changes); err != nil {
		return nil, err
	}
	return encrypted, nil
}

// ShareGroupSession prepares the room key delivery for a room's
// current member set, rotating per policy. Devices still lacking an
// Olm session are queued for the next claim and picked up by a later
// share call.
func (m *Machine) ShareGroupSession(ctx context.Context, roomID types.RoomID, users []types.UserID, settings groupsession.EncryptionSettings) ([]*requests.ToDeviceRequest, error) {
	if err := m.identity.TrackUsers(ctx, users); err != nil {
		return nil, err
	}

	reqs, changes, err := m.groups.ShareGroupSession(ctx, roomID, users, settings)
	if err != nil {
		return nil, err
	}
	if len(changes.Sessions) > 0 {
		acc, err := m.accountChange()
		if err != nil {
			return nil, err
		}
		changes.Account = acc
	}
	if err := m.commit(ctx, changes); err != nil {
		return nil, err
	}
	for _, req := range reqs {
		m.enqueue(req)
	}
	return reqs, nil
}

// DecryptRoomEvent opens an encrypted room event and attaches its
// provenance. A missing session queues a gossip request and fails
// with a missing-room-key error.
func (m *Machine) DecryptRoomEvent(ctx context.Context, ev *event.RoomEvent) (*event.DecryptedRoomEvent, error) {
	c := ev.Content
	if c.Algorithm != event.AlgorithmMegolm {
		return nil, machineerr.Newf("INP-002", "unsupported room algorithm %q", c.Algorithm)
	}

	inbound, err := m.groups.GetInboundSession(ctx, ev.RoomID, c.SenderKey, c.SessionID)
	if errors.Is(err, cryptostore.ErrNotFound) {
		changes, gerr := m.gossip.CreateOutgoingKeyRequest(ctx, ev.RoomID, c.SenderKey, c.SessionID)
		if gerr == nil {
			_ = m.commit(ctx, changes)
		}
		return nil, machineerr.NewBuilder("MEG-001").
			WithInput("session_id", string(c.SessionID)).
			Build()
	}
	if err != nil {
		return nil, err
	}

	plaintext, _, err := inbound.Decrypt(c.Ciphertext)
	if err != nil {
		return nil, err
	}

	info := event.EncryptionInfo{
		Sender:            ev.Sender,
		SenderDevice:      c.DeviceID,
		Algorithm:         c.Algorithm,
		SenderKey:         c.SenderKey,
		SenderClaimedKeys: inbound.SenderClaimedKeys(),
		VerificationState: m.verificationStateFor(ctx, ev.Sender, c.SenderKey),
	}
	return &event.DecryptedRoomEvent{
		EventID:   ev.EventID,
		Plaintext: plaintext,
		Info:      info,
	}, nil
}

// verificationStateFor classifies the claimed sender device.
func (m *Machine) verificationStateFor(ctx context.Context, sender types.UserID, senderKey types.Curve25519PublicKey) event.VerificationState {
	if sender == m.account.UserID() && senderKey == m.account.IdentityKeys().Curve25519 {
		return event.VerificationTrusted
	}
	device, err := m.identity.GetDeviceByCurve(ctx, sender, senderKey)
	if err != nil {
		return event.VerificationUnknownDevice
	}
	if m.identity.IsDeviceTrusted(ctx, device) {
		return event.VerificationTrusted
	}
	return event.VerificationUntrusted
}

// BootstrapCrossSigning creates (or re-uploads) the cross-signing
// identity, returning the signing-keys upload and the signature
// upload that publishes the device's cross-signature.
func (m *Machine) BootstrapCrossSigning(ctx context.Context, reset bool) (*requests.SigningKeysUploadRequest, *requests.SignatureUploadRequest, error) {
	m.xsignMu.Lock()
	defer m.xsignMu.Unlock()

	if m.xsign == nil || reset {
		xsign, err := crosssigning.Bootstrap(m.account.UserID())
		if err != nil {
			return nil, nil, err
		}
		m.xsign = xsign
		if err := m.commit(ctx, &types.ChangeSet{PrivateIdentity: xsign.ToChange()}); err != nil {
			return nil, nil, err
		}
		m.log.SecurityEvent(ctx, "cross_signing_bootstrapped", "reset", reset)
	}

	master, selfSigning, userSigning, err := m.xsign.PublicKeys()
	if err != nil {
		return nil, nil, err
	}

	// The device vouches for the master key; the master's subkey
	// already vouches for the device below.
	masterPayload := struct {
		UserID types.UserID                 `json:"user_id"`
		Usage  []types.CrossSigningKeyUsage `json:"usage"`
		Keys   map[types.KeyID]string       `json:"keys"`
	}{master.UserID, master.Usage, master.Keys}
	deviceSig, err := m.account.SignJSON(masterPayload)
	if err != nil {
		return nil, nil, err
	}
	if master.Signatures[m.account.UserID()] == nil {
		master.Signatures[m.account.UserID()] = make(map[types.KeyID]string)
	}
	master.Signatures[m.account.UserID()][m.account.DeviceKeyID()] = deviceSig

	uploadKeys := requests.NewSigningKeysUpload(&master, &selfSigning, &userSigning)

	deviceKeys, err := m.account.DeviceKeysForUpload()
	if err != nil {
		return nil, nil, err
	}
	signedDevice, err := m.xsign.SignDevice(*deviceKeys)
	if err != nil {
		return nil, nil, err
	}
	signedMaster, err := json.Marshal(master)
	if err != nil {
		return nil, nil, err
	}
	uploadSigs := requests.NewSignatureUpload(map[types.UserID]map[string]json.RawMessage{
		m.account.UserID(): {
			string(m.account.DeviceID()):              signedDevice,
			string(m.xsign.MasterPublicKey()): signedMaster,
		},
	})

	m.enqueue(uploadKeys)
	m.enqueue(uploadSigs)
	return uploadKeys, uploadSigs, nil
}

// CrossSigningStatus reports which private cross-signing keys exist
// locally.
func (m *Machine) CrossSigningStatus() types.CrossSigningStatus {
	m.xsignMu.RLock()
	defer m.xsignMu.RUnlock()
	if m.xsign == nil {
		return types.CrossSigningStatus{}
	}
	return m.xsign.Status()
}

// ExportCrossSigningKeys exports the private seeds, or nil when no
// identity exists.
func (m *Machine) ExportCrossSigningKeys() *types.CrossSigningKeyExport {
	m.xsignMu.RLock()
	defer m.xsignMu.RUnlock()
	if m.xsign == nil {
		return nil
	}
	export := m.xsign.Export()
	return &export
}

// ImportCrossSigningKeys restores a private identity from exported
// seeds.
func (m *Machine) ImportCrossSigningKeys(ctx context.Context, export types.CrossSigningKeyExport) error {
	xsign, err := crosssigning.Import(m.account.UserID(), export)
	if err != nil {
		return err
	}
	m.xsignMu.Lock()
	m.xsign = xsign
	m.xsignMu.Unlock()
	return m.commit(ctx, &types.ChangeSet{PrivateIdentity: xsign.ToChange()})
}

// Sign signs a message with the device key and, best-effort, the
// master key.
func (m *Machine) Sign(message []byte) types.Signatures {
	sigs := types.Signatures{
		m.account.UserID(): {
			m.account.DeviceKeyID(): m.account.Sign(message),
		},
	}
	m.xsignMu.RLock()
	defer m.xsignMu.RUnlock()
	if m.xsign != nil {
		sigs[m.account.UserID()][m.xsign.MasterKeyID()] = m.xsign.Sign(message)
	}
	return sigs
}

// ImportResult summarizes an import_keys call.
type ImportResult struct {
	ImportedCount int
	TotalCount    int
	Keys          map[types.RoomID][]types.SessionID
}

// ImportKeys merges exported room keys into the inbound session table,
// keeping the earlier first-known-index on conflict. Sessions arriving
// from backup are flagged as already backed up.
func (m *Machine) ImportKeys(ctx context.Context, exported []types.ExportedRoomKey, fromBackup bool, progress func(done, total int)) (ImportResult, error) {
	result := ImportResult{
		TotalCount: len(exported),
		Keys:       make(map[types.RoomID][]types.SessionID),
	}
	changes := &types.ChangeSet{}

	for i, key := range exported {
		if progress != nil {
			progress(i, len(exported))
		}
		inbound, err := megolm.ImportSession(key)
		if err != nil {
			m.log.Warn("skipping unusable exported key",
				"room_id", string(key.RoomID), "session_id", string(key.SessionID), "error", err.Error())
			continue
		}
		if fromBackup {
			inbound.MarkBackedUp()
		}

		// Keep the lower index; an import that cannot improve on what
		// is stored does not count.
		existing, err := m.groups.GetInboundSession(ctx, key.RoomID, key.SenderKey, key.SessionID)
		if err != nil && !errors.Is(err, cryptostore.ErrNotFound) {
			return result, err
		}
		if existing != nil && existing.FirstKnownIndex() <= inbound.FirstKnownIndex() {
			continue
		}

		added, chg, err := m.groups.AddInboundSession(ctx, inbound)
		if err != nil {
			return result, err
		}
		if !added {
			continue
		}
		changes.Merge(chg)
		result.ImportedCount++
		result.Keys[key.RoomID] = append(result.Keys[key.RoomID], key.SessionID)
	}
	if progress != nil {
		progress(len(exported), len(exported))
	}

	if err := m.commit(ctx, changes); err != nil {
		return result, err
	}
	return result, nil
}

// ExportKeys exports every inbound group session the predicate keeps,
// each at its current first known index.
func (m *Machine) ExportKeys(ctx context.Context, predicate func(types.ExportedRoomKey) bool) ([]types.ExportedRoomKey, error) {
	stored, err := m.store.LoadInboundGroupSessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.ExportedRoomKey
	for _, sc := range stored {
		inbound, err := megolm.UnpickleInbound(sc.Pickled, m.pickleKey)
		if err != nil {
			m.log.Warn("skipping unreadable inbound session pickle",
				"room_id", string(sc.RoomID), "session_id", string(sc.SessionID))
			continue
		}
		exported, err := inbound.ExportAtFirstKnownIndex()
		if err != nil {
			return nil, err
		}
		if predicate == nil || predicate(exported) {
			out = append(out, exported)
		}
	}
	return out, nil
}
