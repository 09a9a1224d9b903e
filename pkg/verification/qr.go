package verification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/pkg/event"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// qrPayload is the JSON a verification QR code encodes: enough for the
// scanning device to check our keys out-of-band and prove the scan by
// echoing the shared secret back in an m.reciprocate.v1 start.
type qrPayload struct {
	TransactionID string                 `json:"transaction_id"`
	UserID        types.UserID           `json:"user_id"`
	DeviceID      types.DeviceID         `json:"device_id"`
	DeviceKey     types.Ed25519PublicKey `json:"device_key"`
	Secret        string                 `json:"secret"`
}

// QRResult carries a rendered verification QR code.
type QRResult struct {
	PNG     []byte
	Payload []byte
}

// GenerateQRCode renders the QR code for a ready flow. The embedded
// secret is held on the flow; the peer proves the scan by sending it
// back.
func (m *Machine) GenerateQRCode(flowID string) (*QRResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[flowID]
	if !ok {
		return nil, machineerr.New("SAS-002", "unknown flow")
	}
	if flow.State != StateReady {
		return nil, machineerr.Newf("SAS-002", "cannot show QR from state %s", flow.State)
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, err
	}
	flow.qrSecret = base64.RawStdEncoding.EncodeToString(secret)

	payload, err := json.Marshal(qrPayload{
		TransactionID: flow.ID,
		UserID:        m.account.UserID(),
		DeviceID:      m.account.DeviceID(),
		DeviceKey:     m.account.IdentityKeys().Ed25519,
		Secret:        flow.qrSecret,
	})
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(string(payload), qrcode.Medium, 256)
	if err != nil {
		return nil, err
	}
	return &QRResult{PNG: png, Payload: payload}, nil
}

// ScanQRCode feeds the scanned payload into a flow: the scanning side
// verifies the displayed device key against its cache and reciprocates
// with the embedded secret.
func (m *Machine) ScanQRCode(ctx context.Context, flowID string, payload []byte) (*types.ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[flowID]
	if !ok {
		return nil, machineerr.New("SAS-002", "unknown flow")
	}
	if flow.State != StateReady {
		return nil, machineerr.Newf("SAS-002", "cannot scan from state %s", flow.State)
	}

	var p qrPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, machineerr.Wrap("INP-001", err)
	}
	if p.TransactionID != flow.ID || p.UserID != flow.PeerUser {
		m.cancelFlow(flow, CancelUnknownTxn, "QR names a different flow")
		return nil, machineerr.New("SAS-002", "QR payload flow mismatch")
	}

	device, err := m.identity.GetDevice(ctx, p.UserID, p.DeviceID)
	if err != nil {
		m.cancelFlow(flow, CancelKeyMismatch, "scanned device unknown")
		return nil, machineerr.New("SAS-003", "scanned device unknown")
	}
	if device.SigningKeyOf() != p.DeviceKey {
		m.cancelFlow(flow, CancelKeyMismatch, "scanned key does not match cache")
		return nil, machineerr.New("SAS-003", "scanned device key mismatch")
	}

	// The scan itself verified the peer's key; reciprocate so the
	// shown side learns the scan happened.
	m.queue(flow.PeerUser, flow.PeerDevice, event.TypeVerificationStart, startContent{
		FromDevice:    m.account.DeviceID(),
		Method:        MethodReciprocate,
		TransactionID: flow.ID,
		Secret:        p.Secret,
	})
	flow.State = StateStarted
	return m.finish(ctx, flow)
}

// handleReciprocate completes the shown side of a QR flow when the
// scanner echoes the right secret.
func (m *Machine) handleReciprocate(ctx context.Context, flow *Flow, c startContent) (*types.ChangeSet, error) {
	if flow.qrSecret == "" {
		m.cancelFlow(flow, CancelUnexpected, "no QR was shown for this flow")
		return nil, nil
	}
	if !constantTimeEqualString(flow.qrSecret, c.Secret) {
		m.cancelFlow(flow, CancelKeyMismatch, "reciprocated secret does not match")
		return nil, machineerr.New("SAS-003", "reciprocated secret mismatch")
	}
	return m.finish(ctx, flow)
}
