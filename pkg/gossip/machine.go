// Package gossip implements the out-of-band key request protocol:
// asking our own other devices for Megolm sessions we are missing,
// deciding whether to honor their requests for ours, and the same for
// cross-signing secrets, all gated on device trust.
package gossip

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/cryptomachine/e2eemachine/internal/logging"
	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/internal/metrics"
	"github.com/cryptomachine/e2eemachine/pkg/account"
	"github.com/cryptomachine/e2eemachine/pkg/crosssigning"
	"github.com/cryptomachine/e2eemachine/pkg/cryptostore"
	"github.com/cryptomachine/e2eemachine/pkg/event"
	"github.com/cryptomachine/e2eemachine/pkg/groupsession"
	"github.com/cryptomachine/e2eemachine/pkg/identity"
	"github.com/cryptomachine/e2eemachine/pkg/megolm"
	"github.com/cryptomachine/e2eemachine/pkg/requests"
	"github.com/cryptomachine/e2eemachine/pkg/session"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// Secret names this machine will gossip to our own verified devices.
const (
	SecretCrossSigningMaster      = "m.cross_signing.master"
	SecretCrossSigningSelfSigning = "m.cross_signing.self_signing"
	SecretCrossSigningUserSigning = "m.cross_signing.user_signing"
)

// Policy controls which incoming requests are honored.
type Policy struct {
	// ShareToUnverifiedOwnDevices extends room-key sharing to our own
	// devices that are not verified yet. Secrets never follow this.
	ShareToUnverifiedOwnDevices bool
}

// Machine is the gossip machine. It keeps no state of its own beyond
// its collaborators: every request lives in the store, so concurrent
// callers coordinate through the store's own locking.
type Machine struct {
	account  *account.Account
	store    cryptostore.Store
	sessions *session.Manager
	groups   *groupsession.Manager
	identity *identity.Manager
	policy   Policy
	log      *logging.Logger

	// identityProvider returns the private cross-signing identity when
	// one exists; wired by the orchestrator at construction.
	identityProvider func() *crosssigning.Identity
}

// NewMachine creates a gossip machine. identityProvider may return nil
// while cross-signing is not bootstrapped.
func NewMachine(acc *account.Account, store cryptostore.Store, sessions *session.Manager, groups *groupsession.Manager, idmgr *identity.Manager, policy Policy, identityProvider func() *crosssigning.Identity) *Machine {
	return &Machine{
		account:          acc,
		store:            store,
		sessions:         sessions,
		groups:           groups,
		identity:         idmgr,
		policy:           policy,
		log:              logging.Global().WithComponent("gossip"),
		identityProvider: identityProvider,
	}
}

// CreateOutgoingKeyRequest records a room-key request toward our own
// other devices, deduplicated by the session it names. Returns nil
// changes when an equivalent request is already live.
func (m *Machine) CreateOutgoingKeyRequest(ctx context.Context, roomID types.RoomID, senderKey types.Curve25519PublicKey, sessionID types.SessionID) (*types.ChangeSet, error) {
	req := types.GossipRequest{
		RequestID:          requests.NewRequestID(),
		RoomID:             roomID,
		SenderKey:          senderKey,
		SessionID:          sessionID,
		RequestingDeviceID: m.account.DeviceID(),
		RecipientUserID:    m.account.UserID(),
		State:              types.GossipRequestUnsent,
		CreatedAt:          time.Now(),
	}
	if _, err := m.store.LoadGossipRequestByInfo(ctx, req.InfoKey()); err == nil {
		return nil, nil
	} else if err != cryptostore.ErrNotFound {
		return nil, err
	}
	m.log.WithRoomID(string(roomID)).Info("requesting room key from own devices",
		"session_id", string(sessionID))
	return &types.ChangeSet{GossipRequests: []types.GossipRequest{req}}, nil
}

// OutgoingRequests drains the unsent gossip requests into to-device
// requests addressed to all of our own devices.
func (m *Machine) OutgoingRequests(ctx context.Context) ([]*requests.ToDeviceRequest, *types.ChangeSet, error) {
	pending, err := m.store.LoadPendingGossipRequests(ctx)
	if err != nil {
		return nil, nil, err
	}

	var out []*requests.ToDeviceRequest
	changes := &types.ChangeSet{}
	for _, g := range pending {
		if g.State != types.GossipRequestUnsent {
			continue
		}
		content := event.RoomKeyRequestContent{
			Action:             event.ActionRequest,
			RequestingDeviceID: g.RequestingDeviceID,
			RequestID:          g.RequestID,
		}
		eventType := event.TypeRoomKeyRequest
		if g.SecretName != "" {
			raw, err := json.Marshal(event.SecretRequestContent{
				Name:               g.SecretName,
				Action:             event.ActionRequest,
				RequestingDeviceID: g.RequestingDeviceID,
				RequestID:          g.RequestID,
			})
			if err != nil {
				return nil, nil, err
			}
			out = append(out, m.broadcastToOwnDevices(event.TypeSecretRequest, raw))
		} else {
			content.Body = &event.RoomKeyRequestBody{
				Algorithm: event.AlgorithmMegolm,
				RoomID:    g.RoomID,
				SenderKey: g.SenderKey,
				SessionID: g.SessionID,
			}
			raw, err := json.Marshal(content)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, m.broadcastToOwnDevices(eventType, raw))
		}
		g.State = types.GossipRequestSent
		changes.GossipRequests = append(changes.GossipRequests, g)
		metrics.GossipRequests.WithLabelValues("sent").Inc()
	}
	return out, changes, nil
}

func (m *Machine) broadcastToOwnDevices(eventType string, content json.RawMessage) *requests.ToDeviceRequest {
	return requests.NewToDevice(eventType, map[types.UserID]map[types.DeviceID]json.RawMessage{
		m.account.UserID(): {types.DeviceID("*"): content},
	})
}

// RequestSecretsFromDevices queues gossip requests for the three
// cross-signing secrets, used after a fresh login on a device whose
// user already has an identity.
func (m *Machine) RequestSecretsFromDevices(ctx context.Context) (*types.ChangeSet, error) {
	changes := &types.ChangeSet{}
	for _, name := range []string{SecretCrossSigningMaster, SecretCrossSigningSelfSigning, SecretCrossSigningUserSigning} {
		req := types.GossipRequest{
			RequestID:          requests.NewRequestID(),
			SecretName:         name,
			RequestingDeviceID: m.account.DeviceID(),
			RecipientUserID:    m.account.UserID(),
			State:              types.GossipRequestUnsent,
			CreatedAt:          time.Now(),
		}
		if _, err := m.store.LoadGossipRequestByInfo(ctx, req.InfoKey()); err == nil {
			continue
		} else if err != cryptostore.ErrNotFound {
			return nil, err
		}
		changes.GossipRequests = append(changes.GossipRequests, req)
	}
	return changes, nil
}

// CancelRequest marks a live request cancelled and produces the
// cancellation to-device event. A cancel-then-resend caller sends the
// returned cancellation before any new request.
func (m *Machine) CancelRequest(ctx context.Context, requestID string) (*requests.ToDeviceRequest, *types.ChangeSet, error) {
	g, err := m.store.LoadGossipRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	content, err := json.Marshal(event.RoomKeyRequestContent{
		Action:             event.ActionRequestCancellation,
		RequestingDeviceID: g.RequestingDeviceID,
		RequestID:          g.RequestID,
	})
	if err != nil {
		return nil, nil, err
	}
	g.State = types.GossipRequestCancelled
	metrics.GossipRequests.WithLabelValues("cancelled").Inc()
	return m.broadcastToOwnDevices(event.TypeRoomKeyRequest, content),
		&types.ChangeSet{GossipRequests: []types.GossipRequest{*g}}, nil
}

// MarkRequestSatisfied closes a request whose key arrived.
func (m *Machine) MarkRequestSatisfied(ctx context.Context, roomID types.RoomID, senderKey types.Curve25519PublicKey, sessionID types.SessionID) (*types.ChangeSet, error) {
	info := types.GossipRequest{RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}
	g, err := m.store.LoadGossipRequestByInfo(ctx, info.InfoKey())
	if err == cryptostore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.State = types.GossipRequestSatisfied
	metrics.GossipRequests.WithLabelValues("satisfied").Inc()
	return &types.ChangeSet{GossipRequests: []types.GossipRequest{*g}}, nil
}

// ReceiveIncomingKeyRequest decides whether to honor another device's
// room-key request. Honored requests produce an Olm-encrypted
// m.forwarded_room_key to-device request.
func (m *Machine) ReceiveIncomingKeyRequest(ctx context.Context, sender types.UserID, content event.RoomKeyRequestContent) (*requests.ToDeviceRequest, *types.ChangeSet, error) {
	if content.Action == event.ActionRequestCancellation {
		m.log.Debug("peer cancelled key request", "request_id", content.RequestID)
		return nil, nil, nil
	}
	if content.Body == nil {
		return nil, nil, machineerr.New("INP-001", "key request without body")
	}

	// Never share to other users; our own devices only, gated on
	// verification unless policy relaxes it.
	if sender != m.account.UserID() {
		metrics.GossipRequests.WithLabelValues("rejected").Inc()
		return nil, nil, nil
	}
	device, err := m.identity.GetDevice(ctx, sender, content.RequestingDeviceID)
	if err != nil {
		m.log.Warn("key request from unknown device", "device_id", string(content.RequestingDeviceID))
		return nil, nil, nil
	}
	if !m.identity.IsDeviceTrusted(ctx, device) && !m.policy.ShareToUnverifiedOwnDevices {
		metrics.GossipRequests.WithLabelValues("rejected").Inc()
		return nil, nil, nil
	}

	inbound, err := m.groups.GetInboundSession(ctx, content.Body.RoomID, content.Body.SenderKey, content.Body.SessionID)
	if err == cryptostore.ErrNotFound {
		return nil, nil, machineerr.NewBuilder("GSP-002").
			WithInput("session_id", string(content.Body.SessionID)).
			Build()
	}
	if err != nil {
		return nil, nil, err
	}

	exported, err := inbound.ExportAtFirstKnownIndex()
	if err != nil {
		return nil, nil, err
	}
	forwarded, err := json.Marshal(event.ForwardedRoomKeyContent{
		Algorithm:                    exported.Algorithm,
		RoomID:                       exported.RoomID,
		SenderKey:                    exported.SenderKey,
		SessionID:                    exported.SessionID,
		SessionKey:                   exported.SessionKey,
		SenderClaimedEd25519Key:      types.Ed25519PublicKey(exported.SenderClaimedKeys["ed25519"]),
		ForwardingCurve25519KeyChain: exported.ForwardingChain,
	})
	if err != nil {
		return nil, nil, err
	}

	encrypted, changes, err := m.sessions.EncryptToDevice(ctx, device, event.TypeForwardedRoomKey, forwarded)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(encrypted)
	if err != nil {
		return nil, nil, err
	}
	m.log.SecurityEvent(ctx, "room_key_forwarded",
		"device_id", string(device.DeviceID), "session_id", string(exported.SessionID))
	req := requests.NewToDevice(event.TypeRoomEncrypted, map[types.UserID]map[types.DeviceID]json.RawMessage{
		device.UserID: {device.DeviceID: raw},
	})
	return req, changes, nil
}

// ReceiveIncomingSecretRequest honors a cross-signing secret request
// iff it comes from one of our own verified devices.
func (m *Machine) ReceiveIncomingSecretRequest(ctx context.Context, sender types.UserID, content event.SecretRequestContent) (*requests.ToDeviceRequest, *types.ChangeSet, error) {
	if content.Action == event.ActionRequestCancellation {
		return nil, nil, nil
	}
	if sender != m.account.UserID() {
		metrics.GossipRequests.WithLabelValues("rejected").Inc()
		return nil, nil, nil
	}
	device, err := m.identity.GetDevice(ctx, sender, content.RequestingDeviceID)
	if err != nil {
		return nil, nil, nil
	}
	if !m.identity.IsDeviceTrusted(ctx, device) {
		m.log.SecurityEvent(ctx, "secret_request_rejected",
			"device_id", string(device.DeviceID), "secret", content.Name)
		metrics.GossipRequests.WithLabelValues("rejected").Inc()
		return nil, nil, nil
	}

	xsign := m.identityProvider()
	if xsign == nil {
		return nil, nil, nil
	}
	export := xsign.Export()
	var secret string
	switch content.Name {
	case SecretCrossSigningMaster:
		secret = export.MasterKey
	case SecretCrossSigningSelfSigning:
		secret = export.SelfSigningKey
	case SecretCrossSigningUserSigning:
		secret = export.UserSigningKey
	default:
		m.log.Debug("ignoring request for unknown secret", "secret", content.Name)
		return nil, nil, nil
	}

	send, err := json.Marshal(event.SecretSendContent{
		RequestID: content.RequestID,
		Secret:    secret,
	})
	if err != nil {
		return nil, nil, err
	}
	encrypted, changes, err := m.sessions.EncryptToDevice(ctx, device, event.TypeSecretSend, send)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(encrypted)
	if err != nil {
		return nil, nil, err
	}
	m.log.SecurityEvent(ctx, "secret_shared",
		"device_id", string(device.DeviceID), "secret", content.Name)
	req := requests.NewToDevice(event.TypeRoomEncrypted, map[types.UserID]map[types.DeviceID]json.RawMessage{
		device.UserID: {device.DeviceID: raw},
	})
	return req, changes, nil
}

// ReceiveForwardedRoomKey inserts a gossiped session, extending its
// forwarding chain with the forwarder's key. Only answers to our own
// live requests are accepted.
func (m *Machine) ReceiveForwardedRoomKey(ctx context.Context, senderKey types.Curve25519PublicKey, content event.ForwardedRoomKeyContent) (*types.ChangeSet, error) {
	info := types.GossipRequest{RoomID: content.RoomID, SenderKey: content.SenderKey, SessionID: content.SessionID}
	if _, err := m.store.LoadGossipRequestByInfo(ctx, info.InfoKey()); err == cryptostore.ErrNotFound {
		m.log.Warn("unsolicited forwarded room key dropped",
			"session_id", string(content.SessionID))
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	inbound, err := megolm.NewInboundSessionFromForward(content, senderKey)
	if err != nil {
		return nil, err
	}
	added, changes, err := m.groups.AddInboundSession(ctx, inbound)
	if err != nil {
		return nil, err
	}
	if changes == nil {
		changes = &types.ChangeSet{}
	}
	if added {
		satisfied, err := m.MarkRequestSatisfied(ctx, content.RoomID, content.SenderKey, content.SessionID)
		if err != nil {
			return nil, err
		}
		changes.Merge(satisfied)
	}
	return changes, nil
}

// ReceiveSecretSend accepts a gossiped secret if it answers one of our
// live secret requests over a trusted session, returning the secret
// name and value for the orchestrator to apply.
func (m *Machine) ReceiveSecretSend(ctx context.Context, sender types.UserID, content event.SecretSendContent) (string, []byte, *types.ChangeSet, error) {
	if sender != m.account.UserID() {
		return "", nil, nil, nil
	}
	g, err := m.store.LoadGossipRequest(ctx, content.RequestID)
	if err == cryptostore.ErrNotFound {
		m.log.Warn("secret send for unknown request", "request_id", content.RequestID)
		return "", nil, nil, nil
	}
	if err != nil {
		return "", nil, nil, err
	}
	if g.SecretName == "" || g.State == types.GossipRequestCancelled {
		return "", nil, nil, nil
	}
	value, err := base64.RawStdEncoding.DecodeString(content.Secret)
	if err != nil {
		return "", nil, nil, machineerr.New("INP-001", "secret not base64")
	}
	g.State = types.GossipRequestSatisfied
	metrics.GossipRequests.WithLabelValues("satisfied").Inc()
	return g.SecretName, value, &types.ChangeSet{GossipRequests: []types.GossipRequest{*g}}, nil
}
