package verification

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cryptomachine/e2eemachine/internal/logging"
	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/internal/metrics"
	"github.com/cryptomachine/e2eemachine/pkg/account"
	"github.com/cryptomachine/e2eemachine/pkg/event"
	"github.com/cryptomachine/e2eemachine/pkg/identity"
	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/requests"
	"github.com/cryptomachine/e2eemachine/pkg/ttl"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// DefaultTimeout is the inactivity window after which a flow expires.
const DefaultTimeout = 10 * time.Minute

// Flow is one verification attempt with a peer device.
type Flow struct {
	ID         string
	PeerUser   types.UserID
	PeerDevice types.DeviceID
	State      State
	CancelCode string

	weRequested bool
	methods     []string

	sas *sasState

	qrSecret string

	weConfirmed      bool
	ourMACSent       bool
	theirMACVerified bool
	theirDone        bool
}

// Machine drives every verification flow.
type Machine struct {
	mu sync.Mutex

	account  *account.Account
	identity *identity.Manager
	log      *logging.Logger

	flows   map[string]*Flow
	expiry  *ttl.Manager
	methods []string

	outgoing []*requests.ToDeviceRequest
}

// NewMachine creates a verification machine.
func NewMachine(acc *account.Account, idmgr *identity.Manager, timeout time.Duration, methods []string) *Machine {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if len(methods) == 0 {
		methods = []string{MethodSAS, MethodQRShow, MethodQRScan}
	}
	return &Machine{
		account:  acc,
		identity: idmgr,
		log:      logging.Global().WithComponent("verification"),
		flows:    make(map[string]*Flow),
		expiry:   ttl.NewManager(timeout),
		methods:  methods,
	}
}

// GetFlow returns a flow by ID.
func (m *Machine) GetFlow(flowID string) (*Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	return f, ok
}

func (m *Machine) queue(peerUser types.UserID, peerDevice types.DeviceID, eventType string, content interface{}) {
	raw, err := json.Marshal(content)
	if err != nil {
		m.log.Error("marshal verification event", "error", err.Error())
		return
	}
	device := peerDevice
	if device == "" {
		device = types.DeviceID("*")
	}
	m.outgoing = append(m.outgoing, requests.NewToDevice(eventType, map[types.UserID]map[types.DeviceID]json.RawMessage{
		peerUser: {device: raw},
	}))
}

// OutgoingRequests drains the queued verification to-device requests.
func (m *Machine) OutgoingRequests() []*requests.ToDeviceRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.outgoing
	m.outgoing = nil
	return out
}

// RequestVerification starts a flow toward all of a user's devices.
func (m *Machine) RequestVerification(peerUser types.UserID) *Flow {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow := &Flow{
		ID:          requests.NewRequestID(),
		PeerUser:    peerUser,
		State:       StateCreated,
		weRequested: true,
	}
	m.flows[flow.ID] = flow
	m.expiry.Register(flow.ID, string(peerUser), nil)

	m.queue(peerUser, "", event.TypeVerificationRequest, requestContent{
		FromDevice:    m.account.DeviceID(),
		Methods:       m.methods,
		Timestamp:     time.Now().UnixMilli(),
		TransactionID: flow.ID,
	})
	flow.State = StateRequested
	return flow
}

// AcceptRequest answers an incoming request with ready.
func (m *Machine) AcceptRequest(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[flowID]
	if !ok {
		return machineerr.New("SAS-002", "unknown flow")
	}
	if flow.State != StateRequested || flow.weRequested {
		return machineerr.Newf("SAS-002", "cannot accept from state %s", flow.State)
	}
	m.expiry.Heartbeat(flowID)
	m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationReady, readyContent{
		FromDevice:    m.account.DeviceID(),
		Methods:       m.methods,
		TransactionID: flow.ID,
	})
	flow.State = StateReady
	return nil
}

// StartSAS sends our start for a ready flow.
func (m *Machine) StartSAS(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[flowID]
	if !ok {
		return machineerr.New("SAS-002", "unknown flow")
	}
	if flow.State != StateReady {
		return machineerr.Newf("SAS-002", "cannot start from state %s", flow.State)
	}

	ourKey, err := primitives.GenerateCurve25519KeyPair()
	if err != nil {
		return err
	}
	start := startContent{
		FromDevice:            m.account.DeviceID(),
		Method:                MethodSAS,
		TransactionID:         flow.ID,
		KeyAgreementProtocols: []string{"curve25519-hkdf-sha256"},
		Hashes:                []string{"sha256"},
		MessageAuthCodes:      []string{"hkdf-hmac-sha256"},
		ShortAuthStrings:      []string{"emoji", "decimal"},
	}
	flow.sas = &sasState{
		ourKey:    ourKey,
		weStarted: true,
		startRaw:  marshalCanonical(start),
	}
	m.expiry.Heartbeat(flowID)
	m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationStart, start)
	flow.State = StateStarted
	return nil
}

// ReceiveEvent feeds one m.key.verification.* to-device event into the
// machine. The returned change set carries any trust updates.
func (m *Machine) ReceiveEvent(ctx context.Context, sender types.UserID, eventType string, content json.RawMessage) (*types.ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch eventType {
	case event.TypeVerificationRequest:
		return nil, m.handleRequest(sender, content)
	case event.TypeVerificationReady:
		return nil, m.handleReady(sender, content)
	case event.TypeVerificationStart:
		return m.handleStart(ctx, sender, content)
	case event.TypeVerificationAccept:
		return nil, m.handleAccept(sender, content)
	case event.TypeVerificationKey:
		return nil, m.handleKey(sender, content)
	case event.TypeVerificationMAC:
		return m.handleMAC(ctx, sender, content)
	case event.TypeVerificationDone:
		return nil, m.handleDone(sender, content)
	case event.TypeVerificationCancel:
		return nil, m.handleCancel(sender, content)
	}
	return nil, nil
}

func (m *Machine) flowFor(txnID string) (*Flow, error) {
	flow, ok := m.flows[txnID]
	if !ok {
		return nil, machineerr.New("SAS-002", "event for unknown flow")
	}
	if flow.State == StateCancelled {
		return nil, machineerr.New("SAS-001", "flow is cancelled")
	}
	m.expiry.Heartbeat(txnID)
	return flow, nil
}

// cancelFlow cancels locally and tells the peer. The cancelled state
// is terminal and persistent.
func (m *Machine) cancelFlow(flow *Flow, code, reason string) {
	flow.State = StateCancelled
	flow.CancelCode = code
	m.expiry.Unregister(flow.ID)
	metrics.VerificationOutcomes.WithLabelValues("cancelled").Inc()
	m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationCancel, cancelContent{
		TransactionID: flow.ID,
		Code:          code,
		Reason:        reason,
	})
}

func (m *Machine) handleRequest(sender types.UserID, content json.RawMessage) error {
	var c requestContent
	if err := json.Unmarshal(content, &c); err != nil {
		return machineerr.Wrap("INP-001", err)
	}
	if _, exists := m.flows[c.TransactionID]; exists {
		return nil
	}
	flow := &Flow{
		ID:         c.TransactionID,
		PeerUser:   sender,
		PeerDevice: c.FromDevice,
		State:      StateRequested,
		methods:    c.Methods,
	}
	m.flows[flow.ID] = flow
	m.expiry.Register(flow.ID, string(sender), nil)
	return nil
}

func (m *Machine) handleReady(sender types.UserID, content json.RawMessage) error {
	var c readyContent
	if err := json.Unmarshal(content, &c); err != nil {
		return machineerr.Wrap("INP-001", err)
	}
	flow, err := m.flowFor(c.TransactionID)
	if err != nil {
		return err
	}
	if flow.State != StateRequested || !flow.weRequested {
		m.cancelFlow(flow, CancelUnexpected, "ready out of sequence")
		return nil
	}
	flow.PeerDevice = c.FromDevice
	flow.methods = c.Methods
	flow.State = StateReady
	return nil
}

// lexicographicallySmaller orders (user, device) pairs for the
// simultaneous-start tie-break.
func lexicographicallySmaller(u1 types.UserID, d1 types.DeviceID, u2 types.UserID, d2 types.DeviceID) bool {
	if u1 != u2 {
		return u1 < u2
	}
	return d1 < d2
}

func (m *Machine) handleStart(ctx context.Context, sender types.UserID, content json.RawMessage) (*types.ChangeSet, error) {
	var c startContent
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, machineerr.Wrap("INP-001", err)
	}
	flow, err := m.flowFor(c.TransactionID)
	if err != nil {
		return nil, err
	}

	if c.Method == MethodReciprocate {
		return m.handleReciprocate(ctx, flow, c)
	}
	if c.Method != MethodSAS {
		m.cancelFlow(flow, CancelUnknownMethod, "unsupported method "+c.Method)
		return nil, nil
	}

	switch flow.State {
	case StateReady:
		// Normal path: the peer started first.
	case StateStarted:
		// Both sides started. The side with the smaller (user_id,
		// device_id) discards its own start and proceeds with the
		// peer's; the other side ignores the incoming one.
		if !lexicographicallySmaller(m.account.UserID(), m.account.DeviceID(), flow.PeerUser, flow.PeerDevice) {
			return nil, nil
		}
		m.log.Debug("simultaneous start, discarding ours", "flow_id", flow.ID)
	default:
		m.cancelFlow(flow, CancelUnexpected, "start out of sequence")
		return nil, nil
	}

	ourKey, err := primitives.GenerateCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	startRaw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	flow.sas = &sasState{
		ourKey:    ourKey,
		weStarted: false,
		startRaw:  startRaw,
	}
	accept := acceptContent{
		TransactionID:        flow.ID,
		Method:               MethodSAS,
		KeyAgreementProtocol: "curve25519-hkdf-sha256",
		Hash:                 "sha256",
		MessageAuthCode:      "hkdf-hmac-sha256",
		ShortAuthStrings:     []string{"emoji", "decimal"},
		Commitment:           commitmentFor(flow.sas.ourKeyB64(), startRaw),
	}
	m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationAccept, accept)
	flow.State = StateAccepted
	return nil, nil
}

func (m *Machine) handleAccept(sender types.UserID, content json.RawMessage) error {
	var c acceptContent
	if err := json.Unmarshal(content, &c); err != nil {
		return machineerr.Wrap("INP-001", err)
	}
	flow, err := m.flowFor(c.TransactionID)
	if err != nil {
		return err
	}
	if flow.State != StateStarted || flow.sas == nil || !flow.sas.weStarted {
		m.cancelFlow(flow, CancelUnexpected, "accept out of sequence")
		return nil
	}
	flow.sas.commitment = c.Commitment
	// The starter reveals its key first; the accepter's commitment
	// protects it from key-dependent choices.
	m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationKey, keyContent{
		TransactionID: flow.ID,
		Key:           flow.sas.ourKeyB64(),
	})
	flow.State = StateAccepted
	return nil
}

func (m *Machine) handleKey(sender types.UserID, content json.RawMessage) error {
	var c keyContent
	if err := json.Unmarshal(content, &c); err != nil {
		return machineerr.Wrap("INP-001", err)
	}
	flow, err := m.flowFor(c.TransactionID)
	if err != nil {
		return err
	}
	if flow.State != StateAccepted || flow.sas == nil {
		m.cancelFlow(flow, CancelUnexpected, "key out of sequence")
		return nil
	}

	flow.sas.theirKey = types.Curve25519PublicKey(c.Key)
	if flow.sas.weStarted {
		// Check the accepter's commitment now that its key is known.
		if commitmentFor(c.Key, flow.sas.startRaw) != flow.sas.commitment {
			m.cancelFlow(flow, CancelMismatchedCommitment, "commitment does not match key")
			return nil
		}
	} else {
		// The accepter reveals its key only after seeing the
		// starter's.
		m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationKey, keyContent{
			TransactionID: flow.ID,
			Key:           flow.sas.ourKeyB64(),
		})
	}
	if err := flow.sas.computeShared(); err != nil {
		m.cancelFlow(flow, CancelInvalidMessage, "key agreement failed")
		return nil
	}
	flow.State = StateKeyReceived
	return nil
}

// sasBytesFor derives the flow's SAS bytes with the starter-first info
// ordering both sides agree on.
func (m *Machine) sasBytesFor(flow *Flow) ([]byte, error) {
	s := flow.sas
	if s == nil || s.shared == nil {
		return nil, machineerr.New("SAS-002", "sas not ready")
	}
	ourUser, ourDevice := m.account.UserID(), m.account.DeviceID()
	var info []byte
	if s.weStarted {
		info = sasInfo(ourUser, ourDevice, s.ourKeyB64(), flow.PeerUser, flow.PeerDevice, string(s.theirKey), flow.ID)
	} else {
		info = sasInfo(flow.PeerUser, flow.PeerDevice, string(s.theirKey), ourUser, ourDevice, s.ourKeyB64(), flow.ID)
	}
	return s.sasBytes(info)
}

// Emojis returns the seven emojis for a flow whose keys are exchanged.
func (m *Machine) Emojis(flowID string) ([7]Emoji, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[flowID]
	if !ok {
		return [7]Emoji{}, machineerr.New("SAS-002", "unknown flow")
	}
	b, err := m.sasBytesFor(flow)
	if err != nil {
		return [7]Emoji{}, err
	}
	return EmojisFor(b), nil
}

// DecimalsFor returns the three decimals for a flow.
func (m *Machine) DecimalsFor(flowID string) ([3]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[flowID]
	if !ok {
		return [3]int{}, machineerr.New("SAS-002", "unknown flow")
	}
	b, err := m.sasBytesFor(flow)
	if err != nil {
		return [3]int{}, err
	}
	return Decimals(b), nil
}

// Confirm records that the user compared the short strings and they
// matched, sending our MACs. The flow completes once the peer's MACs
// have also arrived and verified.
func (m *Machine) Confirm(ctx context.Context, flowID string) (*types.ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[flowID]
	if !ok {
		return nil, machineerr.New("SAS-002", "unknown flow")
	}
	if flow.State != StateKeyReceived && flow.State != StateMacReceived {
		return nil, machineerr.Newf("SAS-002", "cannot confirm from state %s", flow.State)
	}
	flow.weConfirmed = true

	ourUser, ourDevice := m.account.UserID(), m.account.DeviceID()
	keyID := "ed25519:" + string(ourDevice)
	keyMAC, err := flow.sas.computeMAC(ourUser, ourDevice, flow.PeerUser, flow.PeerDevice, flow.ID, keyID, string(m.account.IdentityKeys().Ed25519))
	if err != nil {
		return nil, err
	}
	keyIDs := []string{keyID}
	sort.Strings(keyIDs)
	listMAC, err := flow.sas.computeMAC(ourUser, ourDevice, flow.PeerUser, flow.PeerDevice, flow.ID, "KEY_IDS", joinComma(keyIDs))
	if err != nil {
		return nil, err
	}
	m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationMAC, macContent{
		TransactionID: flow.ID,
		MAC:           map[string]string{keyID: keyMAC},
		Keys:          listMAC,
	})
	flow.ourMACSent = true

	if flow.theirMACVerified {
		return m.finish(ctx, flow)
	}
	return nil, nil
}

func (m *Machine) handleMAC(ctx context.Context, sender types.UserID, content json.RawMessage) (*types.ChangeSet, error) {
	var c macContent
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, machineerr.Wrap("INP-001", err)
	}
	flow, err := m.flowFor(c.TransactionID)
	if err != nil {
		return nil, err
	}
	if flow.State != StateKeyReceived || flow.sas == nil || flow.sas.shared == nil {
		m.cancelFlow(flow, CancelUnexpected, "mac out of sequence")
		return nil, nil
	}

	device, err := m.identity.GetDevice(ctx, flow.PeerUser, flow.PeerDevice)
	if err != nil {
		m.cancelFlow(flow, CancelKeyMismatch, "peer device unknown")
		return nil, nil
	}

	// Verify each MAC the peer sent over the keys it claims.
	keyIDs := make([]string, 0, len(c.MAC))
	for keyID, gotMAC := range c.MAC {
		keyIDs = append(keyIDs, keyID)
		if keyID != "ed25519:"+string(flow.PeerDevice) {
			// MACs over cross-signing keys ride along; only the
			// device key decides this flow.
			continue
		}
		value := string(device.SigningKeyOf())
		want, err := flow.sas.computeMAC(flow.PeerUser, flow.PeerDevice, m.account.UserID(), m.account.DeviceID(), flow.ID, keyID, value)
		if err != nil {
			return nil, err
		}
		if !constantTimeEqualString(want, gotMAC) {
			m.cancelFlow(flow, CancelKeyMismatch, "mac mismatch for "+keyID)
			return nil, machineerr.New("SAS-003", "mac mismatch")
		}
	}
	sort.Strings(keyIDs)
	wantList, err := flow.sas.computeMAC(flow.PeerUser, flow.PeerDevice, m.account.UserID(), m.account.DeviceID(), flow.ID, "KEY_IDS", joinComma(keyIDs))
	if err != nil {
		return nil, err
	}
	if !constantTimeEqualString(wantList, c.Keys) {
		m.cancelFlow(flow, CancelKeyMismatch, "key list mac mismatch")
		return nil, machineerr.New("SAS-003", "key list mac mismatch")
	}

	flow.theirMACVerified = true
	flow.State = StateMacReceived
	if flow.ourMACSent {
		return m.finish(ctx, flow)
	}
	return nil, nil
}

// finish completes a flow: send done, mark the peer device locally
// verified, and return the trust change to persist.
func (m *Machine) finish(ctx context.Context, flow *Flow) (*types.ChangeSet, error) {
	m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationDone, doneContent{TransactionID: flow.ID})
	flow.State = StateDone
	m.expiry.Unregister(flow.ID)
	metrics.VerificationOutcomes.WithLabelValues("done").Inc()
	m.log.SecurityEvent(ctx, "verification_done",
		"flow_id", flow.ID, "user_id", string(flow.PeerUser), "device_id", string(flow.PeerDevice))
	return m.identity.MarkDeviceVerified(ctx, flow.PeerUser, flow.PeerDevice)
}

func (m *Machine) handleDone(sender types.UserID, content json.RawMessage) error {
	var c doneContent
	if err := json.Unmarshal(content, &c); err != nil {
		return machineerr.Wrap("INP-001", err)
	}
	flow, ok := m.flows[c.TransactionID]
	if !ok {
		return nil
	}
	flow.theirDone = true
	return nil
}

func (m *Machine) handleCancel(sender types.UserID, content json.RawMessage) error {
	var c cancelContent
	if err := json.Unmarshal(content, &c); err != nil {
		return machineerr.Wrap("INP-001", err)
	}
	flow, ok := m.flows[c.TransactionID]
	if !ok {
		return nil
	}
	flow.State = StateCancelled
	flow.CancelCode = c.Code
	m.expiry.Unregister(flow.ID)
	metrics.VerificationOutcomes.WithLabelValues("cancelled").Inc()
	return nil
}

// GarbageCollect expires idle flows: each produces a cancel to the
// peer plus a synthetic cancel event the application can surface.
func (m *Machine) GarbageCollect() []event.ToDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	var synthetic []event.ToDevice
	for _, expired := range m.expiry.Expired() {
		flow, ok := m.flows[expired.FlowID]
		if !ok || flow.State == StateDone || flow.State == StateCancelled {
			continue
		}
		flow.State = StateCancelled
		flow.CancelCode = CancelTimeout
		metrics.VerificationOutcomes.WithLabelValues("expired").Inc()
		m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationCancel, cancelContent{
			TransactionID: flow.ID,
			Code:          CancelTimeout,
			Reason:        "verification timed out",
		})
		raw, err := json.Marshal(cancelContent{
			TransactionID: flow.ID,
			Code:          CancelTimeout,
			Reason:        "verification timed out",
		})
		if err != nil {
			continue
		}
		synthetic = append(synthetic, event.ToDevice{
			Sender:  m.account.UserID(),
			Type:    event.TypeVerificationCancel,
			Content: raw,
		})
	}
	return synthetic
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func constantTimeEqualString(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
