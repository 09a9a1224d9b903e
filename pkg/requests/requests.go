// Package requests defines the outbound request and inbound response
// types the crypto machine exchanges with its embedding runtime. The
// machine only ever constructs these; performing the HTTP call and
// feeding the response back is the caller's job.
package requests

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// Kind discriminates the outbound request union.
type Kind string

const (
	KindKeysUpload        Kind = "keys_upload"
	KindKeysQuery         Kind = "keys_query"
	KindKeysClaim         Kind = "keys_claim"
	KindToDevice          Kind = "to_device"
	KindSigningKeysUpload Kind = "signing_keys_upload"
	KindSignatureUpload   Kind = "signature_upload"
	KindRoomMessage       Kind = "room_message"
	KindKeysBackup        Kind = "keys_backup"
)

// OutgoingRequest is one request the machine wants the runtime to
// perform. Every request carries a fresh opaque ID; the runtime echoes
// it back through MarkRequestAsSent so the machine can route the
// response to the sub-machine that issued it.
type OutgoingRequest interface {
	ID() string
	Kind() Kind
}

// NewRequestID mints a fresh opaque request ID.
func NewRequestID() string {
	return uuid.NewString()
}

type base struct {
	RequestID string
}

func (b base) ID() string { return b.RequestID }

// KeysUploadRequest publishes device keys, one-time keys, and the
// fallback key.
type KeysUploadRequest struct {
	base
	DeviceKeys   *types.DeviceKeys
	OneTimeKeys  map[types.KeyID]json.RawMessage
	FallbackKeys map[types.KeyID]json.RawMessage
}

func (KeysUploadRequest) Kind() Kind { return KindKeysUpload }

// NewKeysUpload builds a KeysUploadRequest with a fresh ID.
func NewKeysUpload(deviceKeys *types.DeviceKeys, otks, fallback map[types.KeyID]json.RawMessage) *KeysUploadRequest {
	return &KeysUploadRequest{base: base{NewRequestID()}, DeviceKeys: deviceKeys, OneTimeKeys: otks, FallbackKeys: fallback}
}

// KeysQueryRequest asks the server for the device lists of a set of
// users. An empty device slice means "all devices".
type KeysQueryRequest struct {
	base
	DeviceKeys map[types.UserID][]types.DeviceID
	TimeoutMS  int
}

func (KeysQueryRequest) Kind() Kind { return KindKeysQuery }

// NewKeysQuery builds a KeysQueryRequest with a fresh ID.
func NewKeysQuery(users map[types.UserID][]types.DeviceID) *KeysQueryRequest {
	return &KeysQueryRequest{base: base{NewRequestID()}, DeviceKeys: users, TimeoutMS: 10_000}
}

// KeysClaimRequest claims one one-time key per listed device.
type KeysClaimRequest struct {
	base
	OneTimeKeys map[types.UserID]map[types.DeviceID]string
}

func (KeysClaimRequest) Kind() Kind { return KindKeysClaim }

// NewKeysClaim builds a KeysClaimRequest with a fresh ID.
func NewKeysClaim(oneTimeKeys map[types.UserID]map[types.DeviceID]string) *KeysClaimRequest {
	return &KeysClaimRequest{base: base{NewRequestID()}, OneTimeKeys: oneTimeKeys}
}

// ToDeviceRequest delivers an event to specific devices. The device
// key "*" addresses all of a user's devices.
type ToDeviceRequest struct {
	base
	EventType string
	TxnID     string
	Messages  map[types.UserID]map[types.DeviceID]json.RawMessage
}

func (ToDeviceRequest) Kind() Kind { return KindToDevice }

// NewToDevice builds a ToDeviceRequest with a fresh ID, reused as the
// transaction ID the way the wire protocol expects.
func NewToDevice(eventType string, messages map[types.UserID]map[types.DeviceID]json.RawMessage) *ToDeviceRequest {
	id := NewRequestID()
	return &ToDeviceRequest{base: base{id}, EventType: eventType, TxnID: id, Messages: messages}
}

// SigningKeysUploadRequest publishes the three cross-signing public
// keys. The server requires user-interactive auth for this; the
// machine only builds the body.
type SigningKeysUploadRequest struct {
	base
	MasterKey      *types.CrossSigningKey
	SelfSigningKey *types.CrossSigningKey
	UserSigningKey *types.CrossSigningKey
}

func (SigningKeysUploadRequest) Kind() Kind { return KindSigningKeysUpload }

// NewSigningKeysUpload builds a SigningKeysUploadRequest with a fresh ID.
func NewSigningKeysUpload(master, selfSigning, userSigning *types.CrossSigningKey) *SigningKeysUploadRequest {
	return &SigningKeysUploadRequest{base: base{NewRequestID()}, MasterKey: master, SelfSigningKey: selfSigning, UserSigningKey: userSigning}
}

// SignatureUploadRequest publishes signatures this device or user made
// over other keys (device self-signature, cross-signed devices).
type SignatureUploadRequest struct {
	base
	SignedKeys map[types.UserID]map[string]json.RawMessage
}

func (SignatureUploadRequest) Kind() Kind { return KindSignatureUpload }

// NewSignatureUpload builds a SignatureUploadRequest with a fresh ID.
func NewSignatureUpload(signedKeys map[types.UserID]map[string]json.RawMessage) *SignatureUploadRequest {
	return &SignatureUploadRequest{base: base{NewRequestID()}, SignedKeys: signedKeys}
}

// RoomMessageRequest sends an in-room event, used by in-room
// verification flows.
type RoomMessageRequest struct {
	base
	RoomID    types.RoomID
	EventType string
	Content   json.RawMessage
}

func (RoomMessageRequest) Kind() Kind { return KindRoomMessage }

// NewRoomMessage builds a RoomMessageRequest with a fresh ID.
func NewRoomMessage(roomID types.RoomID, eventType string, content json.RawMessage) *RoomMessageRequest {
	return &RoomMessageRequest{base: base{NewRequestID()}, RoomID: roomID, EventType: eventType, Content: content}
}

// KeysBackupRequest uploads backed-up room keys. Only the state-machine
// hook exists here; the backup protocol itself lives outside this
// module.
type KeysBackupRequest struct {
	base
	Version string
	Rooms   map[types.RoomID]map[types.SessionID]json.RawMessage
}

func (KeysBackupRequest) Kind() Kind { return KindKeysBackup }

// NewKeysBackup builds a KeysBackupRequest with a fresh ID.
func NewKeysBackup(version string, rooms map[types.RoomID]map[types.SessionID]json.RawMessage) *KeysBackupRequest {
	return &KeysBackupRequest{base: base{NewRequestID()}, Version: version, Rooms: rooms}
}
