// Package account owns the device's long-lived cryptographic identity:
// its Curve25519/Ed25519 identity keys, one-time key pool, fallback
// key, and signing. It is the leaf every other component borrows a
// shared handle to — the session manager signs nothing of its own, it
// asks the account.
package account

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// DefaultMaxOneTimeKeys is the target pool size for published
// signed_curve25519 one-time keys, matching the Matrix spec's
// recommendation of half the device's max_one_time_keys/algorithm.
const DefaultMaxOneTimeKeys = 50

type otkState int

const (
	otkUnpublished otkState = iota
	otkPublished
	otkForgotten
)

type oneTimeKey struct {
	private [32]byte
	public  [32]byte
	state   otkState
}

// Account is the device's long-term identity plus its rotating
// one-time and fallback key pools. Safe for concurrent use: every
// method takes the account's own lock.
type Account struct {
	mu sync.RWMutex

	userID   types.UserID
	deviceID types.DeviceID

	identity primitives.Ed25519KeyPair
	curve    primitives.Curve25519KeyPair

	otks       map[types.KeyID]*oneTimeKey
	otkCounter uint64

	fallback       *oneTimeKey
	fallbackKeyID  types.KeyID
	fallbackUnused bool

	maxOneTimeKeys int
}

// New creates a fresh account with newly generated identity keys. The
// account is created exactly once per device and persisted forever
// afterward.
func New(userID types.UserID, deviceID types.DeviceID) (*Account, error) {
	curve, err := primitives.GenerateCurve25519KeyPair()
	if err != nil {
		return nil, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("generate account curve25519 identity key").Build()
	}
	ed, err := primitives.GenerateEd25519KeyPair()
	if err != nil {
		return nil, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("generate account ed25519 identity key").Build()
	}
	a := &Account{
		userID:         userID,
		deviceID:       deviceID,
		identity:       ed,
		curve:          curve,
		otks:           make(map[types.KeyID]*oneTimeKey),
		maxOneTimeKeys: DefaultMaxOneTimeKeys,
	}
	machineerr.GetComponentTracker("account").Event("created", map[string]interface{}{"device_id": deviceID})
	return a, nil
}

// UserID returns the account's user ID.
func (a *Account) UserID() types.UserID { return a.userID }

// DeviceID returns the account's device ID.
func (a *Account) DeviceID() types.DeviceID { return a.deviceID }

// IdentityKeys returns the account's public identity key pair.
func (a *Account) IdentityKeys() types.IdentityKeys {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return types.IdentityKeys{
		Curve25519: a.curve.PublicKeyString(),
		Ed25519:    a.identity.PublicKeyString(),
	}
}

// CurvePrivate returns the account's private Curve25519 key, used by
// the session manager to perform Olm ECDH.
func (a *Account) CurvePrivate() [32]byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.curve.Private
}

// Sign produces a base64 Ed25519 signature over an arbitrary message.
func (a *Account) Sign(message []byte) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return primitives.Sign(a.identity.Private, message)
}

// SignJSON canonicalizes obj and signs it, returning the signature to
// be inserted under signatures[user_id]["ed25519:"+device_id].
func (a *Account) SignJSON(obj interface{}) (string, error) {
	canon, err := primitives.CanonicalJSON(obj)
	if err != nil {
		return "", fmt.Errorf("sign json: %w", err)
	}
	return a.Sign(canon), nil
}

// DeviceKeyID is this account's Ed25519 key ID as used in signatures
// maps and device-key payloads.
func (a *Account) DeviceKeyID() types.KeyID {
	return types.KeyID("ed25519:" + string(a.deviceID))
}

// SetMaxOneTimeKeys overrides the target published pool size.
func (a *Account) SetMaxOneTimeKeys(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > 0 {
		a.maxOneTimeKeys = n
	}
}

// MaxOneTimeKeys returns the target published pool size.
func (a *Account) MaxOneTimeKeys() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maxOneTimeKeys
}

// UploadedSignedCurve25519Count reports how many signed_curve25519
// keys are currently published (neither unpublished nor forgotten) —
// the quantity the server reports back via otk_counts and that drives
// replenishment.
func (a *Account) UploadedSignedCurve25519Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, k := range a.otks {
		if k.state == otkPublished {
			n++
		}
	}
	return n
}

// NeedsMoreOneTimeKeys reports whether the account should generate and
// upload more one-time keys given the server's last reported count:
// replenish once uploaded < max/2, until topped back up to max.
func (a *Account) NeedsMoreOneTimeKeys(serverReportedCount int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return serverReportedCount < a.maxOneTimeKeys/2
}

// GenerateOneTimeKeys creates count fresh one-time keys in the
// unpublished state. They are included in the next KeysUpload request
// and transition to published once that upload is acknowledged.
func (a *Account) GenerateOneTimeKeys(count int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < count; i++ {
		kp, err := primitives.GenerateCurve25519KeyPair()
		if err != nil {
			return machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("generate one-time key").Build()
		}
		a.otkCounter++
		keyID := types.KeyID(fmt.Sprintf("AAAA%d", a.otkCounter))
		a.otks[keyID] = &oneTimeKey{private: kp.Private, public: kp.Public, state: otkUnpublished}
	}
	return nil
}

// signedKeyJSON is the {"key": "...", "signatures": {...}} shape
// every signed_curve25519 (and fallback) key is published as.
type signedKeyJSON struct {
	Key        string            `json:"key"`
	Fallback   bool              `json:"fallback,omitempty"`
	Signatures map[string]string `json:"signatures"`
}

func (a *Account) signCurveKey(pub [32]byte, fallback bool) (signedKeyJSON, error) {
	// The fallback flag is part of the signed payload; appending it
	// after signing would leave verifiers canonicalizing a different
	// object than the one the signature covers.
	unsigned := struct {
		Key      string `json:"key"`
		Fallback bool   `json:"fallback,omitempty"`
	}{Key: base64.RawStdEncoding.EncodeToString(pub[:]), Fallback: fallback}
	sig, err := a.SignJSON(unsigned)
	if err != nil {
		return signedKeyJSON{}, err
	}
	return signedKeyJSON{
		Key:      unsigned.Key,
		Fallback: fallback,
		Signatures: map[string]string{
			string(a.userID) + "\x00" + string(a.DeviceKeyID()): sig,
		},
	}, nil
}

// SignedOneTimeKeysForUpload returns every unpublished one-time key,
// signed, for inclusion in a KeysUpload request. Call
// MarkOneTimeKeysAsPublished once the upload is acknowledged.
func (a *Account) SignedOneTimeKeysForUpload() (map[types.KeyID]json.RawMessage, error) {
	a.mu.RLock()
	ids := make([]types.KeyID, 0)
	for id, k := range a.otks {
		if k.state == otkUnpublished {
			ids = append(ids, id)
		}
	}
	a.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(map[types.KeyID]json.RawMessage, len(ids))
	for _, id := range ids {
		a.mu.RLock()
		k := a.otks[id]
		a.mu.RUnlock()
		signed, err := a.signCurveKey(k.public, false)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(flattenSignatures(signed))
		if err != nil {
			return nil, err
		}
		out[types.KeyID("signed_curve25519:"+string(id))] = raw
	}
	return out, nil
}

// flattenSignatures rewrites the internal "user\x00keyid" signature map
// into the nested {user: {keyid: sig}} shape the wire format uses.
func flattenSignatures(s signedKeyJSON) map[string]interface{} {
	nested := make(map[string]map[string]string)
	for flat, sig := range s.Signatures {
		parts := splitOnce(flat, '\x00')
		if _, ok := nested[parts[0]]; !ok {
			nested[parts[0]] = make(map[string]string)
		}
		nested[parts[0]][parts[1]] = sig
	}
	out := map[string]interface{}{"key": s.Key, "signatures": nested}
	if s.Fallback {
		out["fallback"] = true
	}
	return out
}

func splitOnce(s string, sep byte) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}

// MarkOneTimeKeysAsPublished transitions every unpublished key to
// published, called once the server acknowledges a KeysUpload.
func (a *Account) MarkOneTimeKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range a.otks {
		if k.state == otkUnpublished {
			k.state = otkPublished
		}
	}
}

// LookupOneTimeKeyPrivate returns the private half of one of our own
// one-time keys, used when creating an inbound Olm session from a
// peer's pre-key message that claimed it.
func (a *Account) LookupOneTimeKeyPrivate(keyID types.KeyID) ([32]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	k, ok := a.otks[keyID]
	if !ok || k.state == otkForgotten {
		return [32]byte{}, false
	}
	return k.private, true
}

// FindOneTimeKeyByPublic locates one of our own one-time keys (or the
// fallback key) by its public half, the form a peer's pre-key message
// references it by. Returns the key ID, private half, and whether the
// match was the fallback key.
func (a *Account) FindOneTimeKeyByPublic(pub types.Curve25519PublicKey) (types.KeyID, [32]byte, bool, bool) {
	raw, err := base64.RawStdEncoding.DecodeString(string(pub))
	if err != nil || len(raw) != 32 {
		return "", [32]byte{}, false, false
	}
	var want [32]byte
	copy(want[:], raw)

	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, k := range a.otks {
		if k.state != otkForgotten && k.public == want {
			return id, k.private, false, true
		}
	}
	if a.fallback != nil && a.fallback.public == want {
		return a.fallbackKeyID, a.fallback.private, true, true
	}
	return "", [32]byte{}, false, false
}

// DeviceKeysForUpload builds this device's signed device-key payload
// for a KeysUpload request.
func (a *Account) DeviceKeysForUpload() (*types.DeviceKeys, error) {
	keys := a.IdentityKeys()
	dk := types.DeviceKeys{
		UserID:   a.userID,
		DeviceID: a.deviceID,
		Algorithms: []string{
			"m.olm.v1.curve25519-aes-sha2",
			"m.megolm.v1.aes-sha2",
		},
		Keys: map[types.KeyID]string{
			types.KeyID("curve25519:" + string(a.deviceID)): string(keys.Curve25519),
			types.KeyID("ed25519:" + string(a.deviceID)):    string(keys.Ed25519),
		},
	}
	payload := struct {
		UserID     types.UserID           `json:"user_id"`
		DeviceID   types.DeviceID         `json:"device_id"`
		Algorithms []string               `json:"algorithms"`
		Keys       map[types.KeyID]string `json:"keys"`
	}{dk.UserID, dk.DeviceID, dk.Algorithms, dk.Keys}
	sig, err := a.SignJSON(payload)
	if err != nil {
		return nil, err
	}
	dk.Signatures = types.Signatures{
		a.userID: {a.DeviceKeyID(): sig},
	}
	return &dk, nil
}

// ForgetOneTimeKey removes a consumed one-time key from the pool for
// good — the unpublished→published→forgotten transition is one-way.
func (a *Account) ForgetOneTimeKey(keyID types.KeyID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.otks, keyID)
}

// EnsureFallbackKey generates a fallback key if none exists yet, and
// replaces the current one when rotate is true. The orchestrator passes
// true once the server's unused-fallback-key list stops naming
// signed_curve25519, i.e. on the first report that the key was used; no
// second report is awaited. A replaced key's private half is not kept.
// Reports whether a new key was generated.
func (a *Account) EnsureFallbackKey(rotate bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fallback != nil && !rotate {
		return false, nil
	}
	kp, err := primitives.GenerateCurve25519KeyPair()
	if err != nil {
		return false, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("generate fallback key").Build()
	}
	a.otkCounter++
	a.fallback = &oneTimeKey{private: kp.Private, public: kp.Public, state: otkUnpublished}
	a.fallbackKeyID = types.KeyID(fmt.Sprintf("FB%d", a.otkCounter))
	a.fallbackUnused = true
	return true, nil
}

// SignedFallbackKeyForUpload returns the current fallback key, signed
// and marked "fallback": true, for inclusion in a KeysUpload request.
func (a *Account) SignedFallbackKeyForUpload() (map[types.KeyID]json.RawMessage, error) {
	a.mu.RLock()
	fb := a.fallback
	keyID := a.fallbackKeyID
	a.mu.RUnlock()
	if fb == nil {
		return nil, nil
	}
	signed, err := a.signCurveKey(fb.public, true)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(flattenSignatures(signed))
	if err != nil {
		return nil, err
	}
	return map[types.KeyID]json.RawMessage{types.KeyID("signed_curve25519:" + string(keyID)): raw}, nil
}

// LookupFallbackKeyPrivate returns the fallback key's private half if
// its ID matches, consuming it is optional since fallback keys may be
// reused until the server reports a replacement is needed.
func (a *Account) LookupFallbackKeyPrivate(keyID types.KeyID) ([32]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.fallback == nil || keyID != a.fallbackKeyID {
		return [32]byte{}, false
	}
	return a.fallback.private, true
}

// pickled is the durable form of an Account's private state.
type pickled struct {
	UserID          types.UserID            `json:"user_id"`
	DeviceID        types.DeviceID          `json:"device_id"`
	EdSeed          []byte                  `json:"ed_seed"`
	CurvePrivate    [32]byte                `json:"curve_private"`
	OTKCounter      uint64                  `json:"otk_counter"`
	OTKs            map[types.KeyID]otkBlob `json:"otks"`
	FallbackKeyID   types.KeyID             `json:"fallback_key_id"`
	Fallback        *otkBlob                `json:"fallback,omitempty"`
	FallbackUnused  bool                    `json:"fallback_unused"`
	MaxOneTimeKeys  int                     `json:"max_one_time_keys"`
}

type otkBlob struct {
	Private [32]byte `json:"private"`
	Public  [32]byte `json:"public"`
	State   otkState `json:"state"`
}

// Pickle serializes the account and seals it with AES-256-GCM under
// pickleKey, the store's at-rest encryption layer.
func (a *Account) Pickle(pickleKey []byte) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p := pickled{
		UserID:         a.userID,
		DeviceID:       a.deviceID,
		EdSeed:         a.identity.Private.Seed(),
		CurvePrivate:   a.curve.Private,
		OTKCounter:     a.otkCounter,
		OTKs:           make(map[types.KeyID]otkBlob, len(a.otks)),
		FallbackKeyID:  a.fallbackKeyID,
		FallbackUnused: a.fallbackUnused,
		MaxOneTimeKeys: a.maxOneTimeKeys,
	}
	for id, k := range a.otks {
		p.OTKs[id] = otkBlob{Private: k.private, Public: k.public, State: k.state}
	}
	if a.fallback != nil {
		p.Fallback = &otkBlob{Private: a.fallback.private, Public: a.fallback.public, State: a.fallback.state}
	}

	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("pickle account: %w", err)
	}
	return primitives.GCMEncrypt(pickleKey, plain, []byte("account"))
}

// Unpickle restores an Account from a sealed pickle.
func Unpickle(sealed, pickleKey []byte) (*Account, error) {
	plain, err := primitives.GCMDecrypt(pickleKey, sealed, []byte("account"))
	if err != nil {
		return nil, machineerr.NewBuilder("STO-003").Wrap(err).WithMessage("unpickle account").Build()
	}
	var p pickled
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("unpickle account: %w", err)
	}

	edPriv := ed25519.NewKeyFromSeed(p.EdSeed)
	curvePub, err := curvePublicFromPrivate(p.CurvePrivate)
	if err != nil {
		return nil, err
	}

	a := &Account{
		userID:   p.UserID,
		deviceID: p.DeviceID,
		identity: primitives.Ed25519KeyPair{Private: edPriv, Public: edPriv.Public().(ed25519.PublicKey)},
		curve:    primitives.Curve25519KeyPair{Private: p.CurvePrivate, Public: curvePub},
		otks:     make(map[types.KeyID]*oneTimeKey, len(p.OTKs)),
		otkCounter: p.OTKCounter,
		fallbackKeyID:  p.FallbackKeyID,
		fallbackUnused: p.FallbackUnused,
		maxOneTimeKeys: p.MaxOneTimeKeys,
	}
	if a.maxOneTimeKeys == 0 {
		a.maxOneTimeKeys = DefaultMaxOneTimeKeys
	}
	for id, blob := range p.OTKs {
		a.otks[id] = &oneTimeKey{private: blob.Private, public: blob.Public, state: blob.State}
	}
	if p.Fallback != nil {
		a.fallback = &oneTimeKey{private: p.Fallback.Private, public: p.Fallback.Public, state: p.Fallback.State}
	}
	return a, nil
}

func curvePublicFromPrivate(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	pubSlice, err := primitives.ECDHBasepoint(priv)
	if err != nil {
		return pub, err
	}
	copy(pub[:], pubSlice)
	return pub, nil
}
