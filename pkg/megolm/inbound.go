package megolm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/pkg/event"
	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// InboundSession is the receiving side of a Megolm session: the chain
// at the earliest index we know, from which any later index can be
// reached by advancing a clone.
type InboundSession struct {
	mu sync.Mutex

	roomID     types.RoomID
	senderKey  types.Curve25519PublicKey
	sessionID  types.SessionID
	signingKey types.Ed25519PublicKey

	chain           *ratchet
	firstKnownIndex uint32

	// SenderClaimedKeys are the sender's identity keys as claimed in
	// the Olm-decrypted room_key event; they travel with exports.
	senderClaimedKeys map[string]string

	forwardingChain []types.Curve25519PublicKey
	backedUp        bool
	imported        bool
}

// NewInboundSession builds an inbound session from a session_key
// string delivered in an m.room_key event.
func NewInboundSession(roomID types.RoomID, senderKey types.Curve25519PublicKey, sessionKey string) (*InboundSession, error) {
	var export sessionKeyExport
	if err := unmarshalArmored(sessionKey, &export); err != nil {
		return nil, errMalformed("bad session_key: " + err.Error())
	}
	chain, err := importRatchet(export.Ratchet)
	if err != nil {
		return nil, err
	}
	return &InboundSession{
		roomID:          roomID,
		senderKey:       senderKey,
		sessionID:       types.SessionID(export.Ed25519Key),
		signingKey:      export.Ed25519Key,
		chain:           chain,
		firstKnownIndex: chain.Counter,
		senderClaimedKeys: map[string]string{
			"ed25519": string(export.Ed25519Key),
		},
	}, nil
}

// NewInboundSessionFromForward builds an inbound session from an
// m.forwarded_room_key event, extending the forwarding chain with the
// Curve25519 key of the device that forwarded it.
func NewInboundSessionFromForward(content event.ForwardedRoomKeyContent, forwarder types.Curve25519PublicKey) (*InboundSession, error) {
	s, err := NewInboundSession(content.RoomID, content.SenderKey, content.SessionKey)
	if err != nil {
		return nil, err
	}
	if content.SessionID != "" && content.SessionID != s.sessionID {
		return nil, errMalformed("forwarded session_id does not match session key")
	}
	if content.SenderClaimedEd25519Key != "" {
		s.senderClaimedKeys["ed25519"] = string(content.SenderClaimedEd25519Key)
		s.signingKey = content.SenderClaimedEd25519Key
	}
	s.forwardingChain = append(append([]types.Curve25519PublicKey{}, content.ForwardingCurve25519KeyChain...), forwarder)
	s.imported = true
	return s, nil
}

// ID returns the session identifier.
func (s *InboundSession) ID() types.SessionID { return s.sessionID }

// RoomID returns the room this session decrypts for.
func (s *InboundSession) RoomID() types.RoomID { return s.roomID }

// SenderKey returns the Curve25519 key of the device that created the
// session.
func (s *InboundSession) SenderKey() types.Curve25519PublicKey { return s.senderKey }

// SenderClaimedKeys returns the sender's claimed identity keys.
func (s *InboundSession) SenderClaimedKeys() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.senderClaimedKeys))
	for k, v := range s.senderClaimedKeys {
		out[k] = v
	}
	return out
}

// FirstKnownIndex returns the earliest index this session can decrypt.
func (s *InboundSession) FirstKnownIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstKnownIndex
}

// ForwardingChain returns the Curve25519 keys of every device that
// forwarded this session before it reached us. Empty for a session
// received directly from its creator.
func (s *InboundSession) ForwardingChain() []types.Curve25519PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Curve25519PublicKey{}, s.forwardingChain...)
}

// BackedUp reports whether this session was marked as held by backup.
func (s *InboundSession) BackedUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backedUp
}

// MarkBackedUp flags the session as held by backup.
func (s *InboundSession) MarkBackedUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backedUp = true
}

// Imported reports whether the session arrived via import or forward
// rather than a direct share from its creator.
func (s *InboundSession) Imported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imported
}

// Decrypt opens a Megolm ciphertext, returning the plaintext and the
// ratchet index it was encrypted at.
func (s *InboundSession) Decrypt(armored string) ([]byte, uint32, error) {
	raw, err := base64.RawStdEncoding.DecodeString(armored)
	if err != nil {
		return nil, 0, errMalformed("ciphertext not base64")
	}
	var msg groupMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, 0, errMalformed("ciphertext not a group message")
	}

	sig := msg.Signature
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, 0, err
	}
	if !primitives.VerifySignature(s.signingKey, signable, sig) {
		return nil, 0, machineerr.New("XSI-001", "group message signature invalid")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Index < s.firstKnownIndex {
		return nil, 0, machineerr.NewBuilder("MEG-003").
			WithInput("index", msg.Index).
			WithInput("first_known_index", s.firstKnownIndex).
			Build()
	}

	chain := s.chain.clone()
	chain.advanceTo(msg.Index)
	aesKey, macKey := chain.messageKeys()

	sealed, err := base64.RawStdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, 0, errMalformed("sealed payload not base64")
	}
	plaintext, err := primitives.AESCBCHMACDecrypt(aesKey, macKey, sealed)
	if err != nil {
		return nil, 0, machineerr.NewBuilder("MEG-004").Wrap(err).WithMessage("open megolm message").Build()
	}
	return plaintext, msg.Index, nil
}

// ExportAtFirstKnownIndex exports the session's earliest decryptable
// state, the form import_keys and gossip forwards consume.
func (s *InboundSession) ExportAtFirstKnownIndex() (types.ExportedRoomKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := marshalArmored(sessionKeyExport{
		Ratchet:    s.chain.export(),
		Ed25519Key: s.signingKey,
	})
	if err != nil {
		return types.ExportedRoomKey{}, err
	}
	return types.ExportedRoomKey{
		Algorithm:         event.AlgorithmMegolm,
		RoomID:            s.roomID,
		SenderKey:         s.senderKey,
		SessionID:         s.sessionID,
		SessionKey:        key,
		SenderClaimedKeys: s.senderClaimedKeys,
		ForwardingChain:   append([]types.Curve25519PublicKey{}, s.forwardingChain...),
		FirstKnownIndex:   s.firstKnownIndex,
	}, nil
}

// ImportSession rebuilds an inbound session from an exported room key.
func ImportSession(key types.ExportedRoomKey) (*InboundSession, error) {
	if key.Algorithm != event.AlgorithmMegolm {
		return nil, machineerr.Newf("INP-002", "unsupported algorithm %q", key.Algorithm)
	}
	s, err := NewInboundSession(key.RoomID, key.SenderKey, key.SessionKey)
	if err != nil {
		return nil, err
	}
	if len(key.SenderClaimedKeys) > 0 {
		s.senderClaimedKeys = key.SenderClaimedKeys
		if ed, ok := key.SenderClaimedKeys["ed25519"]; ok {
			s.signingKey = types.Ed25519PublicKey(ed)
		}
	}
	s.forwardingChain = append([]types.Curve25519PublicKey{}, key.ForwardingChain...)
	s.imported = true
	return s, nil
}

// pickledInbound is the durable form of an InboundSession.
type pickledInbound struct {
	RoomID            types.RoomID                `json:"room_id"`
	SenderKey         types.Curve25519PublicKey   `json:"sender_key"`
	SessionID         types.SessionID             `json:"session_id"`
	SigningKey        types.Ed25519PublicKey      `json:"signing_key"`
	Ratchet           exportedRatchet             `json:"ratchet"`
	FirstKnownIndex   uint32                      `json:"first_known_index"`
	SenderClaimedKeys map[string]string           `json:"sender_claimed_keys"`
	ForwardingChain   []types.Curve25519PublicKey `json:"forwarding_chain,omitempty"`
	BackedUp          bool                        `json:"backed_up"`
	Imported          bool                        `json:"imported"`
}

// Pickle serializes the session sealed under the store's pickle key.
func (s *InboundSession) Pickle(pickleKey []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := pickledInbound{
		RoomID:            s.roomID,
		SenderKey:         s.senderKey,
		SessionID:         s.sessionID,
		SigningKey:        s.signingKey,
		Ratchet:           s.chain.export(),
		FirstKnownIndex:   s.firstKnownIndex,
		SenderClaimedKeys: s.senderClaimedKeys,
		ForwardingChain:   s.forwardingChain,
		BackedUp:          s.backedUp,
		Imported:          s.imported,
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("pickle inbound group session: %w", err)
	}
	return primitives.GCMEncrypt(pickleKey, plain, []byte("megolm_inbound"))
}

// UnpickleInbound restores an InboundSession from a sealed pickle.
func UnpickleInbound(sealed, pickleKey []byte) (*InboundSession, error) {
	plain, err := primitives.GCMDecrypt(pickleKey, sealed, []byte("megolm_inbound"))
	if err != nil {
		return nil, machineerr.NewBuilder("STO-003").Wrap(err).WithMessage("unpickle inbound group session").Build()
	}
	var p pickledInbound
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("unpickle inbound group session: %w", err)
	}
	chain, err := importRatchet(p.Ratchet)
	if err != nil {
		return nil, err
	}
	return &InboundSession{
		roomID:            p.RoomID,
		senderKey:         p.SenderKey,
		sessionID:         p.SessionID,
		signingKey:        p.SigningKey,
		chain:             chain,
		firstKnownIndex:   p.FirstKnownIndex,
		senderClaimedKeys: p.SenderClaimedKeys,
		forwardingChain:   p.ForwardingChain,
		backedUp:          p.BackedUp,
		imported:          p.Imported,
	}, nil
}
