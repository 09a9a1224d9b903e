package requests

import (
	"encoding/json"

	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// Response is the inbound half of the request union. MarkRequestAsSent
// routes on the concrete type, so each response mirrors exactly one
// request kind.
type Response interface {
	ResponseKind() Kind
}

// KeysUploadResponse is the server's acknowledgement of a KeysUpload,
// reporting the per-algorithm counts of keys it now holds.
type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int
}

func (KeysUploadResponse) ResponseKind() Kind { return KindKeysUpload }

// QueriedDevice is one device entry in a KeysQueryResponse.
type QueriedDevice struct {
	Keys types.DeviceKeys
}

// KeysQueryResponse carries the device lists and cross-signing keys
// the server returned for a KeysQuery.
type KeysQueryResponse struct {
	DeviceKeys      map[types.UserID]map[types.DeviceID]QueriedDevice
	MasterKeys      map[types.UserID]types.CrossSigningKey
	SelfSigningKeys map[types.UserID]types.CrossSigningKey
	UserSigningKeys map[types.UserID]types.CrossSigningKey
	Failures        map[string]json.RawMessage
}

func (KeysQueryResponse) ResponseKind() Kind { return KindKeysQuery }

// ClaimedKey is one claimed one-time key: the signed key JSON exactly
// as the owning device uploaded it.
type ClaimedKey struct {
	KeyID  types.KeyID
	Signed json.RawMessage
}

// KeysClaimResponse carries the one-time keys the server handed out
// for a KeysClaim.
type KeysClaimResponse struct {
	OneTimeKeys map[types.UserID]map[types.DeviceID]ClaimedKey
	Failures    map[string]json.RawMessage
}

func (KeysClaimResponse) ResponseKind() Kind { return KindKeysClaim }

// ToDeviceResponse acknowledges a ToDevice send.
type ToDeviceResponse struct{}

func (ToDeviceResponse) ResponseKind() Kind { return KindToDevice }

// SigningKeysUploadResponse acknowledges a SigningKeysUpload.
type SigningKeysUploadResponse struct{}

func (SigningKeysUploadResponse) ResponseKind() Kind { return KindSigningKeysUpload }

// SignatureUploadResponse acknowledges a SignatureUpload, listing any
// signatures the server rejected.
type SignatureUploadResponse struct {
	Failures map[types.UserID]map[string]json.RawMessage
}

func (SignatureUploadResponse) ResponseKind() Kind { return KindSignatureUpload }

// RoomMessageResponse acknowledges a RoomMessage send.
type RoomMessageResponse struct {
	EventID string
}

func (RoomMessageResponse) ResponseKind() Kind { return KindRoomMessage }

// KeysBackupResponse acknowledges a KeysBackup upload.
type KeysBackupResponse struct {
	Count int
	ETag  string
}

func (KeysBackupResponse) ResponseKind() Kind { return KindKeysBackup }
