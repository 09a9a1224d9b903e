package megolm

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

func errMalformed(msg string) error {
	return machineerr.New("MEG-004", msg)
}

// groupMessage is one Megolm ciphertext: the ratchet index it was
// encrypted at, the sealed payload, and the session key's signature
// over both so a forwarded copy cannot be altered.
type groupMessage struct {
	SessionID  types.SessionID `json:"session_id"`
	Index      uint32          `json:"index"`
	Ciphertext string          `json:"ciphertext"`
	Signature  string          `json:"signature"`
}

// OutboundSession is the sender side of a Megolm session for one room.
type OutboundSession struct {
	mu sync.Mutex

	roomID  types.RoomID
	signing primitives.Ed25519KeyPair
	chain   *ratchet

	createdAt    time.Time
	messageCount int
	invalidated  bool
}

// NewOutboundSession creates a fresh outbound session for a room.
func NewOutboundSession(roomID types.RoomID) (*OutboundSession, error) {
	chain, err := newRatchet(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("megolm: seed ratchet: %w", err)
	}
	signing, err := primitives.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("megolm: session signing key: %w", err)
	}
	return &OutboundSession{
		roomID:    roomID,
		signing:   signing,
		chain:     chain,
		createdAt: time.Now(),
	}, nil
}

// ID returns the session identifier: the session's Ed25519 public key,
// which also authenticates every message it produced.
func (s *OutboundSession) ID() types.SessionID {
	return types.SessionID(s.signing.PublicKeyString())
}

// RoomID returns the room this session encrypts for.
func (s *OutboundSession) RoomID() types.RoomID { return s.roomID }

// CreatedAt returns when the session was created, for rotation policy.
func (s *OutboundSession) CreatedAt() time.Time { return s.createdAt }

// MessageCount returns how many messages this session encrypted.
func (s *OutboundSession) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// Invalidate marks the session unusable, forcing rotation on the next
// share.
func (s *OutboundSession) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = true
}

// Invalidated reports whether the session was marked unusable.
func (s *OutboundSession) Invalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

// Encrypt seals plaintext at the current ratchet index and advances.
func (s *OutboundSession) Encrypt(plaintext []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidated {
		return "", machineerr.New("MEG-002", "session invalidated")
	}

	aesKey, macKey := s.chain.messageKeys()
	index := s.chain.Counter
	sealed, err := primitives.AESCBCHMACEncrypt(aesKey, macKey, plaintext)
	if err != nil {
		return "", fmt.Errorf("megolm: seal: %w", err)
	}

	msg := groupMessage{
		SessionID:  s.ID(),
		Index:      index,
		Ciphertext: base64.RawStdEncoding.EncodeToString(sealed),
	}
	signable, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	msg.Signature = primitives.Sign(s.signing.Private, signable)

	s.chain.advance()
	s.messageCount++

	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// sessionKeyExport is the armored payload of a session_key string: the
// ratchet at some index plus the session's public signing key.
type sessionKeyExport struct {
	Ratchet    exportedRatchet        `json:"ratchet"`
	Ed25519Key types.Ed25519PublicKey `json:"ed25519_key"`
}

// SessionKey exports the session at its current index, the string an
// m.room_key event carries. A recipient can decrypt from this index
// onward and nothing earlier.
func (s *OutboundSession) SessionKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return marshalArmored(sessionKeyExport{
		Ratchet:    s.chain.export(),
		Ed25519Key: s.signing.PublicKeyString(),
	})
}

// InboundFromOutbound builds the inbound twin of this session, which
// must be persisted before the first Encrypt so our own history stays
// decryptable.
func (s *OutboundSession) InboundFromOutbound(senderKey types.Curve25519PublicKey) (*InboundSession, error) {
	key, err := s.SessionKey()
	if err != nil {
		return nil, err
	}
	return NewInboundSession(s.roomID, senderKey, key)
}

// pickledOutbound is the durable form of an OutboundSession.
type pickledOutbound struct {
	RoomID       types.RoomID    `json:"room_id"`
	SigningSeed  []byte          `json:"signing_seed"`
	Ratchet      exportedRatchet `json:"ratchet"`
	CreatedAt    time.Time       `json:"created_at"`
	MessageCount int             `json:"message_count"`
	Invalidated  bool            `json:"invalidated"`
}

// Pickle serializes the session sealed under the store's pickle key.
func (s *OutboundSession) Pickle(pickleKey []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := pickledOutbound{
		RoomID:       s.roomID,
		SigningSeed:  s.signing.Private.Seed(),
		Ratchet:      s.chain.export(),
		CreatedAt:    s.createdAt,
		MessageCount: s.messageCount,
		Invalidated:  s.invalidated,
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("pickle outbound group session: %w", err)
	}
	return primitives.GCMEncrypt(pickleKey, plain, []byte("megolm_outbound"))
}

// UnpickleOutbound restores an OutboundSession from a sealed pickle.
func UnpickleOutbound(sealed, pickleKey []byte) (*OutboundSession, error) {
	plain, err := primitives.GCMDecrypt(pickleKey, sealed, []byte("megolm_outbound"))
	if err != nil {
		return nil, machineerr.NewBuilder("STO-003").Wrap(err).WithMessage("unpickle outbound group session").Build()
	}
	var p pickledOutbound
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("unpickle outbound group session: %w", err)
	}
	signing, err := primitives.Ed25519KeyPairFromSeed(p.SigningSeed)
	if err != nil {
		return nil, err
	}
	chain, err := importRatchet(p.Ratchet)
	if err != nil {
		return nil, err
	}
	return &OutboundSession{
		roomID:       p.RoomID,
		signing:      signing,
		chain:        chain,
		createdAt:    p.CreatedAt,
		messageCount: p.MessageCount,
		invalidated:  p.Invalidated,
	}, nil
}
