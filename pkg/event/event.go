// Package event defines the to-device and room event payloads the
// crypto machine consumes and produces, as closed tagged variants
// routed on the event type string.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// Algorithm identifiers this machine implements. Anything else is
// rejected as UnknownAlgorithm.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// Event type strings routed by the orchestrator.
const (
	TypeRoomEncrypted    = "m.room.encrypted"
	TypeRoomKey          = "m.room_key"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeRoomKeyRequest   = "m.room_key_request"
	TypeSecretRequest    = "m.secret.request"
	TypeSecretSend       = "m.secret.send"
	TypeDummy            = "m.dummy"

	TypeVerificationRequest = "m.key.verification.request"
	TypeVerificationReady   = "m.key.verification.ready"
	TypeVerificationStart   = "m.key.verification.start"
	TypeVerificationAccept  = "m.key.verification.accept"
	TypeVerificationKey     = "m.key.verification.key"
	TypeVerificationMAC     = "m.key.verification.mac"
	TypeVerificationDone    = "m.key.verification.done"
	TypeVerificationCancel  = "m.key.verification.cancel"
)

// ToDevice is one server-delivered to-device event, still encrypted if
// its type is m.room.encrypted.
type ToDevice struct {
	Sender  types.UserID    `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// OlmCiphertext is one recipient's ciphertext inside an encrypted
// to-device event: message type 0 is a pre-key message, 1 a normal
// ratchet message.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// EncryptedToDeviceContent is the content of an m.room.encrypted
// to-device event, keyed by recipient Curve25519 key.
type EncryptedToDeviceContent struct {
	Algorithm  string                                        `json:"algorithm"`
	SenderKey  types.Curve25519PublicKey                     `json:"sender_key"`
	Ciphertext map[types.Curve25519PublicKey]OlmCiphertext   `json:"ciphertext"`
}

// DecryptedOlmPayload is the plaintext inside a pairwise-decrypted
// to-device event. Sender/recipient binding fields let the receiver
// reject a ciphertext forwarded by a third party.
type DecryptedOlmPayload struct {
	Sender        types.UserID            `json:"sender"`
	Recipient     types.UserID            `json:"recipient"`
	RecipientKeys map[string]string       `json:"recipient_keys"`
	Keys          map[string]string       `json:"keys"`
	Type          string                  `json:"type"`
	Content       json.RawMessage         `json:"content"`
}

// SenderEd25519 returns the sender's claimed Ed25519 key from the
// decrypted payload's keys block.
func (p DecryptedOlmPayload) SenderEd25519() types.Ed25519PublicKey {
	return types.Ed25519PublicKey(p.Keys["ed25519"])
}

// RoomKeyContent is the content of an m.room_key event: the initial
// export of a Megolm session, delivered over Olm.
type RoomKeyContent struct {
	Algorithm  string          `json:"algorithm"`
	RoomID     types.RoomID    `json:"room_id"`
	SessionID  types.SessionID `json:"session_id"`
	SessionKey string          `json:"session_key"`
}

// ForwardedRoomKeyContent is the content of an m.forwarded_room_key
// event: a gossiped Megolm session with the forwarding chain it
// travelled through.
type ForwardedRoomKeyContent struct {
	Algorithm                   string                      `json:"algorithm"`
	RoomID                      types.RoomID                `json:"room_id"`
	SenderKey                   types.Curve25519PublicKey   `json:"sender_key"`
	SessionID                   types.SessionID             `json:"session_id"`
	SessionKey                  string                      `json:"session_key"`
	SenderClaimedEd25519Key     types.Ed25519PublicKey      `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []types.Curve25519PublicKey `json:"forwarding_curve25519_key_chain"`
}

// Room-key request actions.
const (
	ActionRequest             = "request"
	ActionRequestCancellation = "request_cancellation"
)

// RoomKeyRequestBody identifies the session a request is for.
type RoomKeyRequestBody struct {
	Algorithm string                    `json:"algorithm"`
	RoomID    types.RoomID              `json:"room_id"`
	SenderKey types.Curve25519PublicKey `json:"sender_key"`
	SessionID types.SessionID           `json:"session_id"`
}

// RoomKeyRequestContent is the content of an m.room_key_request event.
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestingDeviceID types.DeviceID      `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
}

// SecretRequestContent is the content of an m.secret.request event.
type SecretRequestContent struct {
	Name               string         `json:"name,omitempty"`
	Action             string         `json:"action"`
	RequestingDeviceID types.DeviceID `json:"requesting_device_id"`
	RequestID          string         `json:"request_id"`
}

// SecretSendContent is the content of an m.secret.send event, always
// delivered over Olm.
type SecretSendContent struct {
	RequestID string `json:"request_id"`
	Secret    string `json:"secret"`
}

// EncryptedRoomContent is the content of an m.room.encrypted room
// (Megolm) event.
type EncryptedRoomContent struct {
	Algorithm  string                    `json:"algorithm"`
	SenderKey  types.Curve25519PublicKey `json:"sender_key"`
	DeviceID   types.DeviceID            `json:"device_id"`
	SessionID  types.SessionID           `json:"session_id"`
	Ciphertext string                    `json:"ciphertext"`
}

// RoomEvent is an encrypted room timeline event handed to
// DecryptRoomEvent.
type RoomEvent struct {
	EventID string               `json:"event_id"`
	RoomID  types.RoomID         `json:"room_id"`
	Sender  types.UserID         `json:"sender"`
	Type    string               `json:"type"`
	Content EncryptedRoomContent `json:"content"`
}

// VerificationState classifies the provenance of a decrypted room
// event's claimed sender device.
type VerificationState int

const (
	// VerificationUnknownDevice means the claimed device is not in our
	// device cache at all.
	VerificationUnknownDevice VerificationState = iota
	// VerificationUntrusted means the device is known but neither
	// locally verified nor cross-signed by a trusted identity.
	VerificationUntrusted
	// VerificationTrusted means the device is our own, locally
	// verified, or cross-signed by a verified identity.
	VerificationTrusted
)

func (v VerificationState) String() string {
	switch v {
	case VerificationTrusted:
		return "trusted"
	case VerificationUntrusted:
		return "untrusted"
	default:
		return "unknown_device"
	}
}

// EncryptionInfo is the provenance attached to every successfully
// decrypted room event.
type EncryptionInfo struct {
	Sender            types.UserID
	SenderDevice      types.DeviceID
	Algorithm         string
	SenderKey         types.Curve25519PublicKey
	SenderClaimedKeys map[string]string
	VerificationState VerificationState
}

// DecryptedRoomEvent pairs a decrypted plaintext with its provenance.
type DecryptedRoomEvent struct {
	EventID   string
	Plaintext json.RawMessage
	Info      EncryptionInfo
}

// DecryptedToDevice is one to-device event after processing: either the
// raw event (it was never encrypted), the decrypted inner event, or the
// original with a DecryptError explaining why it stayed opaque.
type DecryptedToDevice struct {
	Raw          ToDevice
	Decrypted    *DecryptedOlmPayload
	SenderKey    types.Curve25519PublicKey
	DecryptError error
}

// ParseContent unmarshals an event's content into out, wrapping the
// error with the event type for log context.
func ParseContent(ev ToDevice, out interface{}) error {
	if err := json.Unmarshal(ev.Content, out); err != nil {
		return fmt.Errorf("parse %s content: %w", ev.Type, err)
	}
	return nil
}

// IsVerificationType reports whether an event type belongs to the
// verification state machine.
func IsVerificationType(t string) bool {
	switch t {
	case TypeVerificationRequest, TypeVerificationReady, TypeVerificationStart,
		TypeVerificationAccept, TypeVerificationKey, TypeVerificationMAC,
		TypeVerificationDone, TypeVerificationCancel:
		return true
	}
	return false
}
