// Package types holds the data model shared across every component of
// the crypto machine: identity keys, devices, sessions, change sets.
// Kept separate from any one component so olm, megolm, identity,
// gossip, verification, and the store can all depend on it without
// depending on each other.
package types

import "time"

// UserID is a fully-qualified Matrix user ID, e.g. "@alice:example.org".
type UserID string

// DeviceID identifies one of a user's devices.
type DeviceID string

// RoomID identifies a room.
type RoomID string

// SessionID identifies a Megolm session (inbound or outbound).
type SessionID string

// KeyID identifies a specific key under a device or cross-signing
// identity, e.g. "curve25519:DEVICEID" or "ed25519:DEVICEID".
type KeyID string

// Ed25519PublicKey is an unpadded base64 representation of a 32-byte
// Ed25519 public key, matching the wire format used in Matrix
// identity/device key JSON.
type Ed25519PublicKey string

// Curve25519PublicKey is an unpadded base64 representation of a
// 32-byte Curve25519 public key.
type Curve25519PublicKey string

// IdentityKeys are the two long-term keys every account and every
// device publishes: one Curve25519 key for Olm/Megolm key agreement,
// one Ed25519 key used to sign everything the device publishes about
// itself.
type IdentityKeys struct {
	Curve25519 Curve25519PublicKey
	Ed25519    Ed25519PublicKey
}

// Signatures maps a signer's (UserID, KeyID) to the base64 signature
// it produced over some signed object, mirroring the nested
// "signatures" object in Matrix's signed-JSON convention.
type Signatures map[UserID]map[KeyID]string

// DeviceKeys is the signed device-key payload a device uploads via
// /keys/upload and that other users retrieve via /keys/query.
type DeviceKeys struct {
	UserID     UserID
	DeviceID   DeviceID
	Algorithms []string
	Keys       map[KeyID]string
	Signatures Signatures
	Unsigned   map[string]interface{}
}

// CrossSigningKeyUsage distinguishes the three cross-signing key roles.
type CrossSigningKeyUsage string

const (
	UsageMaster      CrossSigningKeyUsage = "master"
	UsageSelfSigning CrossSigningKeyUsage = "self_signing"
	UsageUserSigning CrossSigningKeyUsage = "user_signing"
)

// CrossSigningKey is one signed cross-signing key (master, self-signing,
// or user-signing), published the same way device keys are.
type CrossSigningKey struct {
	UserID     UserID
	Usage      []CrossSigningKeyUsage
	Keys       map[KeyID]string
	Signatures Signatures
}

// TrustState summarizes how much a local user should trust a device or
// user identity. It is set by local verification or derived from the
// cross-signing chain, and stored on the device record as LocalTrust.
type TrustState int

const (
	TrustUnset TrustState = iota
	TrustUnverified
	TrustVerified
	TrustBlackListed
)

func (t TrustState) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	case TrustBlackListed:
		return "blacklisted"
	case TrustUnverified:
		return "unverified"
	default:
		return "unset"
	}
}

// Device is the local, store-backed view of one of a user's devices:
// its signed keys plus the locally-computed trust state.
type Device struct {
	UserID      UserID
	DeviceID    DeviceID
	Keys        DeviceKeys
	DisplayName string
	LocalTrust  TrustState
	FirstSeen   time.Time
	Deleted     bool
}

// IdentityKeyOf returns the device's Curve25519 identity key, used as
// the Olm session sender key.
func (d Device) IdentityKeyOf() Curve25519PublicKey {
	return Curve25519PublicKey(d.Keys.Keys[KeyID("curve25519:"+string(d.DeviceID))])
}

// SigningKeyOf returns the device's Ed25519 signing key.
func (d Device) SigningKeyOf() Ed25519PublicKey {
	return Ed25519PublicKey(d.Keys.Keys[KeyID("ed25519:"+string(d.DeviceID))])
}

// UserIdentity is the local view of a user's cross-signing identity:
// their three published cross-signing keys plus whether the local user
// has verified the master key.
type UserIdentity struct {
	UserID       UserID
	MasterKey    CrossSigningKey
	SelfSigning  CrossSigningKey
	UserSigning  CrossSigningKey
	LocallyTrusted bool
}

// PrivateCrossSigningIdentity holds the private seeds for a bootstrapped
// local cross-signing identity. Only the owning user ever has all three;
// peers only ever see the public CrossSigningKey side.
type PrivateCrossSigningIdentity struct {
	UserID           UserID
	MasterSeed       []byte
	SelfSigningSeed  []byte
	UserSigningSeed  []byte
	Bootstrapped     bool
}

// CrossSigningStatus reports which of the three private seeds are
// present locally.
type CrossSigningStatus struct {
	HasMaster      bool
	HasSelfSigning bool
	HasUserSigning bool
}

// CrossSigningKeyExport is the portable form of a private cross-signing
// identity, used by export_cross_signing_keys / import_cross_signing_keys.
type CrossSigningKeyExport struct {
	MasterKey      string
	SelfSigningKey string
	UserSigningKey string
}

// GossipRequestState tracks the lifecycle of an outstanding room-key
// request made to a user's other devices.
type GossipRequestState int

const (
	GossipRequestUnsent GossipRequestState = iota
	GossipRequestSent
	GossipRequestCancelled
	GossipRequestSatisfied
)

// GossipRequest is a request for (or forward of) a Megolm session or a
// named secret, keyed by its own request ID so a cancellation can
// reference it. Exactly one of the room-key triple or SecretName is
// set.
type GossipRequest struct {
	RequestID  string
	RoomID     RoomID
	SenderKey  Curve25519PublicKey
	SessionID  SessionID
	SecretName string
	RequestingDeviceID DeviceID
	RecipientUserID UserID
	RecipientDeviceIDs []DeviceID
	State      GossipRequestState
	CreatedAt  time.Time
}

// InfoKey returns the dedup index key for this request: two requests
// for the same room key (or the same secret) collide here regardless
// of request ID. Fields are length-delimited so the encoding is
// injective.
func (g GossipRequest) InfoKey() string {
	if g.SecretName != "" {
		return lengthDelimited("secret", g.SecretName)
	}
	return lengthDelimited("room_key", string(g.RoomID), string(g.SenderKey), string(g.SessionID))
}

func lengthDelimited(parts ...string) string {
	out := ""
	for _, p := range parts {
		out += itoa(len(p)) + ":" + p
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ExportedRoomKey is one inbound Megolm session in portable form: the
// ratchet snapshot at its first known index plus the provenance needed
// to re-import it with trust intact.
type ExportedRoomKey struct {
	Algorithm         string                `json:"algorithm"`
	RoomID            RoomID                `json:"room_id"`
	SenderKey         Curve25519PublicKey   `json:"sender_key"`
	SessionID         SessionID             `json:"session_id"`
	SessionKey        string                `json:"session_key"`
	SenderClaimedKeys map[string]string     `json:"sender_claimed_keys,omitempty"`
	ForwardingChain   []Curve25519PublicKey `json:"forwarding_curve25519_key_chain,omitempty"`
	FirstKnownIndex   uint32                `json:"first_known_index"`
}

// OlmMessageHash is the SHA-256 of an accepted Olm pre-key message,
// stored so a second delivery of the same ciphertext never advances
// any ratchet.
type OlmMessageHash struct {
	SenderKey Curve25519PublicKey
	Hash      string
}

// TrackedUser is a user whose device list this machine follows, with a
// dirty bit meaning a /keys/query is owed.
type TrackedUser struct {
	UserID UserID
	Dirty  bool
}

// ChangeSet aggregates every mutation one operation produced, to be
// applied to the store as a single atomic unit. Nil/empty fields mean
// "nothing changed in that category" — never a partial write.
type ChangeSet struct {
	Account             *AccountChange
	Sessions             []SessionChange
	InboundGroupSessions []InboundGroupSessionChange
	OutboundGroupSessions []OutboundGroupSessionChange
	Devices              []Device
	Identities           []UserIdentity
	PrivateIdentity      *PrivateCrossSigningIdentity
	GossipRequests       []GossipRequest
	MessageHashes        []OlmMessageHash
	TrackedUsers         []TrackedUser
}

// IsEmpty reports whether the change set has nothing to persist.
func (c *ChangeSet) IsEmpty() bool {
	if c == nil {
		return true
	}
	return c.Account == nil &&
		len(c.Sessions) == 0 &&
		len(c.InboundGroupSessions) == 0 &&
		len(c.OutboundGroupSessions) == 0 &&
		len(c.Devices) == 0 &&
		len(c.Identities) == 0 &&
		c.PrivateIdentity == nil &&
		len(c.GossipRequests) == 0 &&
		len(c.MessageHashes) == 0 &&
		len(c.TrackedUsers) == 0
}

// Merge folds other into c, used when multiple operations contribute
// to one outgoing ChangeSet before a single SaveChanges call.
func (c *ChangeSet) Merge(other *ChangeSet) {
	if other == nil {
		return
	}
	if other.Account != nil {
		c.Account = other.Account
	}
	c.Sessions = append(c.Sessions, other.Sessions...)
	c.InboundGroupSessions = append(c.InboundGroupSessions, other.InboundGroupSessions...)
	c.OutboundGroupSessions = append(c.OutboundGroupSessions, other.OutboundGroupSessions...)
	c.Devices = append(c.Devices, other.Devices...)
	c.Identities = append(c.Identities, other.Identities...)
	if other.PrivateIdentity != nil {
		c.PrivateIdentity = other.PrivateIdentity
	}
	c.GossipRequests = append(c.GossipRequests, other.GossipRequests...)
	c.MessageHashes = append(c.MessageHashes, other.MessageHashes...)
	c.TrackedUsers = append(c.TrackedUsers, other.TrackedUsers...)
}

// AccountChange is the persisted, pickled account state plus its
// bookkeeping counters.
type AccountChange struct {
	Pickled            []byte
	UploadedOTKCount   int
	FallbackKeyUnused  bool
}

// SessionChange is one pairwise Olm session's persisted, pickled state.
type SessionChange struct {
	SenderKey Curve25519PublicKey
	SessionID SessionID
	Pickled   []byte
	LastUsed  time.Time
}

// InboundGroupSessionChange is one inbound Megolm session's persisted
// state, scoped to the room and sender that shared it.
type InboundGroupSessionChange struct {
	RoomID    RoomID
	SenderKey Curve25519PublicKey
	SessionID SessionID
	Pickled   []byte
	ForwardingChain []Curve25519PublicKey
	FirstKnownIndex uint32
	BackedUp        bool
	Imported        bool
}

// OutboundGroupSessionChange is the current outbound Megolm session for
// a room, including the rotation bookkeeping needed to decide when to
// replace it.
type OutboundGroupSessionChange struct {
	RoomID          RoomID
	SessionID       SessionID
	Pickled         []byte
	CreatedAt       time.Time
	MessageCount    int
	SharedWith      []SharedWithDevice
}

// SharedWithDevice records one device an outbound group session's key
// was delivered to, pinned to the Curve25519 key it was encrypted for
// so a device that rotates its keys is not mistaken for already-shared.
type SharedWithDevice struct {
	UserID    UserID
	DeviceID  DeviceID
	SenderKey Curve25519PublicKey
}
