// Package crosssigning holds the local user's private cross-signing
// identity: the master, self-signing, and user-signing Ed25519 keys
// that vouch for this user's devices and for other users' master keys.
package crosssigning

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// Identity is the private side of a cross-signing hierarchy. The
// user-signing key only ever exists for our own identity; peers only
// see the public halves via /keys/query.
type Identity struct {
	mu sync.RWMutex

	userID      types.UserID
	master      primitives.Ed25519KeyPair
	selfSigning primitives.Ed25519KeyPair
	userSigning primitives.Ed25519KeyPair
	shared      bool
}

// Bootstrap creates a fresh master/self-signing/user-signing triple.
func Bootstrap(userID types.UserID) (*Identity, error) {
	master, err := primitives.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("bootstrap master key: %w", err)
	}
	selfSigning, err := primitives.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("bootstrap self-signing key: %w", err)
	}
	userSigning, err := primitives.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("bootstrap user-signing key: %w", err)
	}
	return &Identity{
		userID:      userID,
		master:      master,
		selfSigning: selfSigning,
		userSigning: userSigning,
	}, nil
}

// UserID returns the identity's owning user.
func (i *Identity) UserID() types.UserID { return i.userID }

// MasterKeyID returns the master key's ID ("ed25519:<base64 key>").
func (i *Identity) MasterKeyID() types.KeyID {
	return types.KeyID("ed25519:" + string(i.master.PublicKeyString()))
}

// MasterPublicKey returns the public master key.
func (i *Identity) MasterPublicKey() types.Ed25519PublicKey {
	return i.master.PublicKeyString()
}

// Shared reports whether the public keys were uploaded to the server.
func (i *Identity) Shared() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.shared
}

// MarkShared records that the signing-keys upload was acknowledged.
func (i *Identity) MarkShared() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.shared = true
}

// signedJSONPayload strips the signatures and unsigned fields the way
// the signed-JSON convention requires before signing or verifying.
type signedJSONPayload struct {
	UserID types.UserID                         `json:"user_id"`
	Usage  []types.CrossSigningKeyUsage         `json:"usage"`
	Keys   map[types.KeyID]string               `json:"keys"`
}

func keyPayload(userID types.UserID, usage types.CrossSigningKeyUsage, pub types.Ed25519PublicKey) signedJSONPayload {
	return signedJSONPayload{
		UserID: userID,
		Usage:  []types.CrossSigningKeyUsage{usage},
		Keys:   map[types.KeyID]string{types.KeyID("ed25519:" + string(pub)): string(pub)},
	}
}

func signPayload(signer primitives.Ed25519KeyPair, payload interface{}) (string, error) {
	canon, err := primitives.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return primitives.Sign(signer.Private, canon), nil
}

// PublicKeys builds the three public cross-signing keys with their
// internal signatures in place: the master self-signed, the subkeys
// signed by the master. The device's own signature over the master is
// added by the caller, which holds the account.
func (i *Identity) PublicKeys() (master, selfSigning, userSigning types.CrossSigningKey, err error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	masterPub := i.master.PublicKeyString()
	masterKeyID := types.KeyID("ed25519:" + string(masterPub))

	masterPayload := keyPayload(i.userID, types.UsageMaster, masterPub)
	masterSig, err := signPayload(i.master, masterPayload)
	if err != nil {
		return master, selfSigning, userSigning, err
	}
	master = types.CrossSigningKey{
		UserID: i.userID,
		Usage:  masterPayload.Usage,
		Keys:   masterPayload.Keys,
		Signatures: types.Signatures{
			i.userID: {masterKeyID: masterSig},
		},
	}

	ssPub := i.selfSigning.PublicKeyString()
	ssPayload := keyPayload(i.userID, types.UsageSelfSigning, ssPub)
	ssSig, err := signPayload(i.master, ssPayload)
	if err != nil {
		return master, selfSigning, userSigning, err
	}
	selfSigning = types.CrossSigningKey{
		UserID: i.userID,
		Usage:  ssPayload.Usage,
		Keys:   ssPayload.Keys,
		Signatures: types.Signatures{
			i.userID: {masterKeyID: ssSig},
		},
	}

	usPub := i.userSigning.PublicKeyString()
	usPayload := keyPayload(i.userID, types.UsageUserSigning, usPub)
	usSig, err := signPayload(i.master, usPayload)
	if err != nil {
		return master, selfSigning, userSigning, err
	}
	userSigning = types.CrossSigningKey{
		UserID: i.userID,
		Usage:  usPayload.Usage,
		Keys:   usPayload.Keys,
		Signatures: types.Signatures{
			i.userID: {masterKeyID: usSig},
		},
	}
	return master, selfSigning, userSigning, nil
}

// SignDevice produces the self-signing key's signature over a device's
// key payload, the signature that makes the device cross-signed.
func (i *Identity) SignDevice(device types.DeviceKeys) (json.RawMessage, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	payload := struct {
		UserID     types.UserID           `json:"user_id"`
		DeviceID   types.DeviceID         `json:"device_id"`
		Algorithms []string               `json:"algorithms"`
		Keys       map[types.KeyID]string `json:"keys"`
	}{device.UserID, device.DeviceID, device.Algorithms, device.Keys}

	sig, err := signPayload(i.selfSigning, payload)
	if err != nil {
		return nil, err
	}
	keyID := types.KeyID("ed25519:" + string(i.selfSigning.PublicKeyString()))

	signed := map[string]interface{}{
		"user_id":    device.UserID,
		"device_id":  device.DeviceID,
		"algorithms": device.Algorithms,
		"keys":       device.Keys,
		"signatures": types.Signatures{
			i.userID: {keyID: sig},
		},
	}
	return json.Marshal(signed)
}

// SignUserMaster produces the user-signing key's signature over
// another user's master key, the act of verifying that user.
func (i *Identity) SignUserMaster(master types.CrossSigningKey) (json.RawMessage, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	payload := struct {
		UserID types.UserID                 `json:"user_id"`
		Usage  []types.CrossSigningKeyUsage `json:"usage"`
		Keys   map[types.KeyID]string       `json:"keys"`
	}{master.UserID, master.Usage, master.Keys}

	sig, err := signPayload(i.userSigning, payload)
	if err != nil {
		return nil, err
	}
	keyID := types.KeyID("ed25519:" + string(i.userSigning.PublicKeyString()))

	signed := map[string]interface{}{
		"user_id":    master.UserID,
		"usage":      master.Usage,
		"keys":       master.Keys,
		"signatures": types.Signatures{
			i.userID: {keyID: sig},
		},
	}
	return json.Marshal(signed)
}

// Sign signs an arbitrary message with the master key, used by the
// orchestrator's best-effort master signature.
func (i *Identity) Sign(message []byte) string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return primitives.Sign(i.master.Private, message)
}

// Status reports which private keys are present.
func (i *Identity) Status() types.CrossSigningStatus {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return types.CrossSigningStatus{
		HasMaster:      i.master.Private != nil,
		HasSelfSigning: i.selfSigning.Private != nil,
		HasUserSigning: i.userSigning.Private != nil,
	}
}

// Export returns the three private seeds in portable base64 form.
func (i *Identity) Export() types.CrossSigningKeyExport {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return types.CrossSigningKeyExport{
		MasterKey:      base64.RawStdEncoding.EncodeToString(i.master.Private.Seed()),
		SelfSigningKey: base64.RawStdEncoding.EncodeToString(i.selfSigning.Private.Seed()),
		UserSigningKey: base64.RawStdEncoding.EncodeToString(i.userSigning.Private.Seed()),
	}
}

// Import rebuilds an identity from exported seeds.
func Import(userID types.UserID, export types.CrossSigningKeyExport) (*Identity, error) {
	decode := func(name, s string) (primitives.Ed25519KeyPair, error) {
		seed, err := base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return primitives.Ed25519KeyPair{}, machineerr.Newf("INP-001", "bad %s seed", name)
		}
		return primitives.Ed25519KeyPairFromSeed(seed)
	}
	master, err := decode("master", export.MasterKey)
	if err != nil {
		return nil, err
	}
	selfSigning, err := decode("self-signing", export.SelfSigningKey)
	if err != nil {
		return nil, err
	}
	userSigning, err := decode("user-signing", export.UserSigningKey)
	if err != nil {
		return nil, err
	}
	return &Identity{
		userID:      userID,
		master:      master,
		selfSigning: selfSigning,
		userSigning: userSigning,
	}, nil
}

// ToChange converts the identity to its persisted form.
func (i *Identity) ToChange() *types.PrivateCrossSigningIdentity {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return &types.PrivateCrossSigningIdentity{
		UserID:          i.userID,
		MasterSeed:      i.master.Private.Seed(),
		SelfSigningSeed: i.selfSigning.Private.Seed(),
		UserSigningSeed: i.userSigning.Private.Seed(),
		Bootstrapped:    true,
	}
}

// FromChange restores an identity from its persisted form.
func FromChange(p *types.PrivateCrossSigningIdentity) (*Identity, error) {
	master, err := primitives.Ed25519KeyPairFromSeed(p.MasterSeed)
	if err != nil {
		return nil, err
	}
	selfSigning, err := primitives.Ed25519KeyPairFromSeed(p.SelfSigningSeed)
	if err != nil {
		return nil, err
	}
	userSigning, err := primitives.Ed25519KeyPairFromSeed(p.UserSigningSeed)
	if err != nil {
		return nil, err
	}
	return &Identity{
		userID:      p.UserID,
		master:      master,
		selfSigning: selfSigning,
		userSigning: userSigning,
	}, nil
}
