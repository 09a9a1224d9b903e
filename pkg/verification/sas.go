// Package verification implements interactive device verification: the
// SAS (emoji/decimal) state machine over to-device events, a QR-code
// reciprocation method, and garbage collection of flows that go quiet.
package verification

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// State is a verification flow's position in the state machine.
type State int

const (
	StateCreated State = iota
	StateRequested
	StateReady
	StateStarted
	StateAccepted
	StateKeyReceived
	StateMacReceived
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRequested:
		return "requested"
	case StateReady:
		return "ready"
	case StateStarted:
		return "started"
	case StateAccepted:
		return "accepted"
	case StateKeyReceived:
		return "key_received"
	case StateMacReceived:
		return "mac_received"
	case StateDone:
		return "done"
	default:
		return "cancelled"
	}
}

// Cancel codes from the verification protocol.
const (
	CancelUser           = "m.user"
	CancelTimeout        = "m.timeout"
	CancelUnknownTxn     = "m.unknown_transaction"
	CancelUnknownMethod  = "m.unknown_method"
	CancelUnexpected     = "m.unexpected_message"
	CancelKeyMismatch    = "m.key_mismatch"
	CancelMismatchedSAS  = "m.mismatched_sas"
	CancelMismatchedCommitment = "m.mismatched_commitment"
	CancelInvalidMessage = "m.invalid_message"
)

// Method identifiers.
const (
	MethodSAS     = "m.sas.v1"
	MethodQRShow  = "m.qr_code.show.v1"
	MethodQRScan  = "m.qr_code.scan.v1"
	MethodReciprocate = "m.reciprocate.v1"
)

// Wire content shapes for m.key.verification.* events.

type requestContent struct {
	FromDevice    types.DeviceID `json:"from_device"`
	Methods       []string       `json:"methods"`
	Timestamp     int64          `json:"timestamp,omitempty"`
	TransactionID string         `json:"transaction_id"`
}

type readyContent struct {
	FromDevice    types.DeviceID `json:"from_device"`
	Methods       []string       `json:"methods"`
	TransactionID string         `json:"transaction_id"`
}

type startContent struct {
	FromDevice            types.DeviceID `json:"from_device"`
	Method                string         `json:"method"`
	TransactionID         string         `json:"transaction_id"`
	KeyAgreementProtocols []string       `json:"key_agreement_protocols,omitempty"`
	Hashes                []string       `json:"hashes,omitempty"`
	MessageAuthCodes      []string       `json:"message_authentication_codes,omitempty"`
	ShortAuthStrings      []string       `json:"short_authentication_string,omitempty"`
	Secret                string         `json:"secret,omitempty"`
}

type acceptContent struct {
	TransactionID        string `json:"transaction_id"`
	Method               string `json:"method"`
	KeyAgreementProtocol string `json:"key_agreement_protocol"`
	Hash                 string `json:"hash"`
	MessageAuthCode      string `json:"message_authentication_code"`
	ShortAuthStrings     []string `json:"short_authentication_string"`
	Commitment           string `json:"commitment"`
}

type keyContent struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

type macContent struct {
	TransactionID string            `json:"transaction_id"`
	MAC           map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
}

type doneContent struct {
	TransactionID string `json:"transaction_id"`
}

type cancelContent struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

// sasState is the cryptographic half of an SAS flow.
type sasState struct {
	ourKey   primitives.Curve25519KeyPair
	theirKey types.Curve25519PublicKey

	// weStarted records which side's start survived the tie-break.
	weStarted bool
	// startRaw is the canonical JSON of the surviving start content,
	// bound into the accepter's commitment.
	startRaw []byte
	// commitment is what the accepter promised before seeing our key.
	commitment string

	shared []byte
}

func (s *sasState) ourKeyB64() string {
	return base64.RawStdEncoding.EncodeToString(s.ourKey.Public[:])
}

// computeShared runs the ECDH once both ephemeral keys are known.
func (s *sasState) computeShared() error {
	shared, err := primitives.ECDH(s.ourKey.Private, s.theirKey)
	if err != nil {
		return err
	}
	s.shared = shared
	return nil
}

// commitmentFor is the accepter's hash binding its key to the start
// content it accepted.
func commitmentFor(keyB64 string, startRaw []byte) string {
	sum := sha256.Sum256(append([]byte(keyB64), startRaw...))
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// sasInfo builds the HKDF info string both sides derive identically:
// starter first, then the other side, then the flow ID.
func sasInfo(starterUser types.UserID, starterDevice types.DeviceID, starterKey string,
	otherUser types.UserID, otherDevice types.DeviceID, otherKey string, flowID string) []byte {
	return []byte(fmt.Sprintf("MATRIX_KEY_VERIFICATION_SAS%s%s%s%s%s%s%s",
		starterUser, starterDevice, starterKey, otherUser, otherDevice, otherKey, flowID))
}

// sasBytes derives the 6 bytes the emoji and decimal encodings read.
func (s *sasState) sasBytes(info []byte) ([]byte, error) {
	return primitives.HKDFExpand(s.shared, info, 6)
}

// macKey derives the per-item MAC key for the final verification step.
func (s *sasState) macKey(user types.UserID, device types.DeviceID,
	peerUser types.UserID, peerDevice types.DeviceID, flowID, keyID string) ([]byte, error) {
	info := fmt.Sprintf("MATRIX_KEY_VERIFICATION_MAC%s%s%s%s%s%s",
		user, device, peerUser, peerDevice, flowID, keyID)
	return primitives.HKDFExpand(s.shared, []byte(info), 32)
}

func (s *sasState) computeMAC(user types.UserID, device types.DeviceID,
	peerUser types.UserID, peerDevice types.DeviceID, flowID, keyID, value string) (string, error) {
	key, err := s.macKey(user, device, peerUser, peerDevice, flowID, keyID)
	if err != nil {
		return "", err
	}
	mac := primitives.HMACSHA256(key, []byte(value))
	return base64.RawStdEncoding.EncodeToString(mac), nil
}

// Decimals converts the SAS bytes into the three four-digit numbers
// users compare.
func Decimals(b []byte) [3]int {
	return [3]int{
		(int(b[0])<<5 | int(b[1])>>3) + 1000,
		((int(b[1])&0x7)<<10 | int(b[2])<<2 | int(b[3])>>6) + 1000,
		((int(b[3])&0x3F)<<7 | int(b[4])>>1) + 1000,
	}
}

// EmojiIndices converts the SAS bytes into seven 6-bit emoji table
// indices.
func EmojiIndices(b []byte) [7]int {
	bits := uint64(0)
	for i := 0; i < 6; i++ {
		bits = bits<<8 | uint64(b[i])
	}
	// 48 bits total; the top 42 carry the seven indices.
	var out [7]int
	for i := 0; i < 7; i++ {
		out[i] = int(bits >> (48 - 6*uint(i+1)) & 0x3F)
	}
	return out
}

func marshalCanonical(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
