package olm

import (
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ericlagergren/dr"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// Message type tags on the wire: a pre-key message carries the X3DH
// handshake material, a normal message only the ratchet header.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

// wireHeader is the serialized dr.Header.
type wireHeader struct {
	PublicKey string `json:"public_key"`
	PN        int    `json:"pn"`
	N         int    `json:"n"`
}

// wireMessage is the decoded body of an Olm ciphertext.
type wireMessage struct {
	// Pre-key handshake fields, only set when Type == MessageTypePreKey.
	IdentityKey types.Curve25519PublicKey `json:"identity_key,omitempty"`
	BaseKey     types.Curve25519PublicKey `json:"base_key,omitempty"`
	OneTimeKey  types.Curve25519PublicKey `json:"one_time_key,omitempty"`

	Header     wireHeader `json:"header"`
	Ciphertext string     `json:"ciphertext"`
}

// Message is one Olm ciphertext as carried inside an encrypted
// to-device event.
type Message struct {
	Type int
	Body string
}

// Hash returns the replay-rejection hash of the message body.
func (m Message) Hash() string {
	sum := sha256.Sum256([]byte(m.Body))
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

func encodeBody(w wireMessage) (string, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

func decodeBody(body string) (wireMessage, error) {
	var w wireMessage
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return w, machineerr.NewBuilder("OLM-004").Wrap(err).Build()
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return w, machineerr.NewBuilder("OLM-004").Wrap(err).Build()
	}
	return w, nil
}

// stateStore adapts dr.Store so the latest ratchet state and any
// skipped message keys stay reachable for pickling. dr hands Save the
// live *State, so holding the pointer tracks every advance.
type stateStore struct {
	state   *dr.State
	skipped map[string][]byte
}

const maxSkippedKeys = 1000

func newStateStore() *stateStore {
	return &stateStore{skipped: make(map[string][]byte)}
}

func skipKey(nr int, pub dr.PublicKey) string {
	return fmt.Sprintf("%d:%x", nr, []byte(pub))
}

func (s *stateStore) Save(st *dr.State) error {
	s.state = st
	return nil
}

func (s *stateStore) StoreKey(nr int, pub dr.PublicKey, key dr.MessageKey) error {
	if len(s.skipped) >= maxSkippedKeys {
		return fmt.Errorf("olm: too many skipped message keys")
	}
	s.skipped[skipKey(nr, pub)] = append([]byte(nil), key...)
	return nil
}

func (s *stateStore) LoadKey(nr int, pub dr.PublicKey) (dr.MessageKey, error) {
	key, ok := s.skipped[skipKey(nr, pub)]
	if !ok {
		return nil, dr.ErrNotFound
	}
	return key, nil
}

func (s *stateStore) DeleteKey(nr int, pub dr.PublicKey) error {
	delete(s.skipped, skipKey(nr, pub))
	return nil
}

// Session is one pairwise double-ratchet session with a peer device.
// Multiple sessions per peer may coexist; the manager prefers the one
// that most recently decrypted successfully.
type Session struct {
	mu sync.Mutex

	id        types.SessionID
	peerKey   types.Curve25519PublicKey
	inner     *dr.Session
	store     *stateStore
	createdAt time.Time
	lastUsed  time.Time

	// Handshake material replayed in every pre-key message until the
	// peer answers, proving it completed the session on its side.
	handshake *wireMessage
}

// ID returns the session identifier, derived from the handshake keys
// so both sides compute the same value.
func (s *Session) ID() types.SessionID { return s.id }

// PeerKey returns the peer device's Curve25519 identity key.
func (s *Session) PeerKey() types.Curve25519PublicKey { return s.peerKey }

// LastUsed returns when the session last encrypted or decrypted.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func sessionID(identity, base, oneTime types.Curve25519PublicKey) types.SessionID {
	sum := sha256.Sum256([]byte(string(identity) + "|" + string(base) + "|" + string(oneTime)))
	return types.SessionID(base64.RawStdEncoding.EncodeToString(sum[:]))
}

func toKeyPair(priv [32]byte) (dr.PrivateKey, error) {
	pub, err := primitives.ECDHBasepoint(priv)
	if err != nil {
		return nil, err
	}
	pair := make([]byte, 0, 64)
	pair = append(pair, priv[:]...)
	pair = append(pair, pub...)
	return pair, nil
}

// NewOutbound creates a session toward a peer device from a claimed
// one-time key: the X3DH handshake runs locally and the first messages
// go out as pre-key messages carrying the handshake material.
func NewOutbound(localIdentity [32]byte, localIdentityPub, peerIdentity, peerOneTimeKey types.Curve25519PublicKey) (*Session, error) {
	ephemeral, err := primitives.GenerateCurve25519KeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := primitives.ECDH(localIdentity, peerOneTimeKey)
	if err != nil {
		return nil, err
	}
	dh2, err := primitives.ECDH(ephemeral.Private, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := primitives.ECDH(ephemeral.Private, peerOneTimeKey)
	if err != nil {
		return nil, err
	}
	sk := sharedSecret(dh1, dh2, dh3)

	otkRaw, err := primitives.DecodeCurve25519(peerOneTimeKey)
	if err != nil {
		return nil, err
	}

	// Build the initial ratchet state by hand and enter through Resume:
	// the session must be picklable before its first message, and only
	// a state the store already holds survives that.
	suite := cipherSuite{}
	ratchetPriv, err := suite.Generate(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generate ratchet key: %w", err)
	}
	dh, err := suite.DH(ratchetPriv, dr.PublicKey(otkRaw))
	if err != nil {
		return nil, fmt.Errorf("olm: initial ratchet step: %w", err)
	}
	rk, ck := suite.KDFrk(sk, dh)

	store := newStateStore()
	store.state = &dr.State{
		DHs: ratchetPriv,
		DHr: dr.PublicKey(otkRaw),
		RK:  rk,
		CKs: ck,
	}
	inner, err := dr.Resume(suite, store.state, dr.WithStore(store))
	if err != nil {
		return nil, fmt.Errorf("olm: start outbound ratchet: %w", err)
	}

	basePub := ephemeral.PublicKeyString()
	now := time.Now()
	return &Session{
		id:        sessionID(localIdentityPub, basePub, peerOneTimeKey),
		peerKey:   peerIdentity,
		inner:     inner,
		store:     store,
		createdAt: now,
		lastUsed:  now,
		handshake: &wireMessage{
			IdentityKey: localIdentityPub,
			BaseKey:     basePub,
			OneTimeKey:  peerOneTimeKey,
		},
	}, nil
}

// NewInbound creates a session from a peer's pre-key message, consuming
// the one-time key it claimed. The returned session has not yet
// decrypted the message; call Decrypt with it next.
func NewInbound(localIdentity, oneTimeKey [32]byte, msg Message) (*Session, error) {
	if msg.Type != MessageTypePreKey {
		return nil, machineerr.New("OLM-005", "inbound session requires a pre-key message")
	}
	w, err := decodeBody(msg.Body)
	if err != nil {
		return nil, err
	}
	if w.IdentityKey == "" || w.BaseKey == "" {
		return nil, machineerr.New("OLM-004", "pre-key message missing handshake keys")
	}

	dh1, err := primitives.ECDH(oneTimeKey, w.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := primitives.ECDH(localIdentity, w.BaseKey)
	if err != nil {
		return nil, err
	}
	dh3, err := primitives.ECDH(oneTimeKey, w.BaseKey)
	if err != nil {
		return nil, err
	}
	sk := sharedSecret(dh1, dh2, dh3)

	pair, err := toKeyPair(oneTimeKey)
	if err != nil {
		return nil, err
	}

	store := newStateStore()
	store.state = &dr.State{
		DHs: pair,
		RK:  sk,
	}
	inner, err := dr.Resume(cipherSuite{}, store.state, dr.WithStore(store))
	if err != nil {
		return nil, fmt.Errorf("olm: start inbound ratchet: %w", err)
	}

	now := time.Now()
	return &Session{
		id:        sessionID(w.IdentityKey, w.BaseKey, w.OneTimeKey),
		peerKey:   w.IdentityKey,
		inner:     inner,
		store:     store,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// MatchesPreKey reports whether an incoming pre-key message belongs to
// this session, so a redelivered handshake does not spawn a duplicate.
func (s *Session) MatchesPreKey(msg Message) bool {
	if msg.Type != MessageTypePreKey {
		return false
	}
	w, err := decodeBody(msg.Body)
	if err != nil {
		return false
	}
	return sessionID(w.IdentityKey, w.BaseKey, w.OneTimeKey) == s.id
}

// Encrypt seals plaintext for the peer. While the handshake is
// unanswered the result is a pre-key message; afterwards a normal one.
func (s *Session) Encrypt(plaintext []byte) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.inner.Seal(plaintext, []byte(s.id))
	if err != nil {
		return Message{}, machineerr.NewBuilder("OLM-004").Wrap(err).WithMessage("seal olm message").Build()
	}

	w := wireMessage{
		Header: wireHeader{
			PublicKey: base64.RawStdEncoding.EncodeToString(sealed.Header.PublicKey),
			PN:        sealed.Header.PN,
			N:         sealed.Header.N,
		},
		Ciphertext: base64.RawStdEncoding.EncodeToString(sealed.Ciphertext),
	}
	msgType := MessageTypeNormal
	if s.handshake != nil {
		w.IdentityKey = s.handshake.IdentityKey
		w.BaseKey = s.handshake.BaseKey
		w.OneTimeKey = s.handshake.OneTimeKey
		msgType = MessageTypePreKey
	}

	body, err := encodeBody(w)
	if err != nil {
		return Message{}, err
	}
	s.lastUsed = time.Now()
	return Message{Type: msgType, Body: body}, nil
}

// Decrypt opens a message from the peer. A successful decrypt of any
// message marks the handshake answered, so our own subsequent sends
// drop the pre-key envelope.
func (s *Session) Decrypt(msg Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := decodeBody(msg.Body)
	if err != nil {
		return nil, err
	}
	headerPub, err := base64.RawStdEncoding.DecodeString(w.Header.PublicKey)
	if err != nil {
		return nil, machineerr.NewBuilder("OLM-004").Wrap(err).Build()
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, machineerr.NewBuilder("OLM-004").Wrap(err).Build()
	}

	plaintext, err := s.inner.Open(dr.Message{
		Header: dr.Header{
			PublicKey: headerPub,
			PN:        w.Header.PN,
			N:         w.Header.N,
		},
		Ciphertext: ciphertext,
	}, []byte(s.id))
	if err != nil {
		return nil, machineerr.NewBuilder("OLM-004").Wrap(err).WithMessage("open olm message").Build()
	}

	s.handshake = nil
	s.lastUsed = time.Now()
	return plaintext, nil
}

// pickledSession is the durable form of a Session.
type pickledSession struct {
	ID        types.SessionID           `json:"id"`
	PeerKey   types.Curve25519PublicKey `json:"peer_key"`
	CreatedAt time.Time                 `json:"created_at"`
	LastUsed  time.Time                 `json:"last_used"`
	Handshake *wireMessage              `json:"handshake,omitempty"`

	DHs []byte `json:"dhs,omitempty"`
	DHr []byte `json:"dhr,omitempty"`
	RK  []byte `json:"rk,omitempty"`
	CKs []byte `json:"cks,omitempty"`
	CKr []byte `json:"ckr,omitempty"`
	Ns  int    `json:"ns"`
	Nr  int    `json:"nr"`
	PN  int    `json:"pn"`

	Skipped map[string][]byte `json:"skipped,omitempty"`
}

// Pickle serializes the session sealed under the store's pickle key.
func (s *Session) Pickle(pickleKey []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.store.state
	p := pickledSession{
		ID:        s.id,
		PeerKey:   s.peerKey,
		CreatedAt: s.createdAt,
		LastUsed:  s.lastUsed,
		Handshake: s.handshake,
		Skipped:   s.store.skipped,
	}
	if st != nil {
		p.DHs = st.DHs
		p.DHr = st.DHr
		p.RK = st.RK
		p.CKs = st.CKs
		p.CKr = st.CKr
		p.Ns = st.Ns
		p.Nr = st.Nr
		p.PN = st.PN
	}

	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("pickle session: %w", err)
	}
	return primitives.GCMEncrypt(pickleKey, plain, []byte("olm_session"))
}

// Unpickle restores a Session from a sealed pickle.
func Unpickle(sealed, pickleKey []byte) (*Session, error) {
	plain, err := primitives.GCMDecrypt(pickleKey, sealed, []byte("olm_session"))
	if err != nil {
		return nil, machineerr.NewBuilder("STO-003").Wrap(err).WithMessage("unpickle olm session").Build()
	}
	var p pickledSession
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("unpickle session: %w", err)
	}

	store := newStateStore()
	if p.Skipped != nil {
		store.skipped = p.Skipped
	}
	state := &dr.State{
		DHs: p.DHs,
		DHr: p.DHr,
		RK:  p.RK,
		CKs: p.CKs,
		CKr: p.CKr,
		Ns:  p.Ns,
		Nr:  p.Nr,
		PN:  p.PN,
	}
	store.state = state
	inner, err := dr.Resume(cipherSuite{}, state, dr.WithStore(store))
	if err != nil {
		return nil, fmt.Errorf("unpickle session: resume ratchet: %w", err)
	}

	return &Session{
		id:        p.ID,
		peerKey:   p.PeerKey,
		inner:     inner,
		store:     store,
		createdAt: p.CreatedAt,
		lastUsed:  p.LastUsed,
		handshake: p.Handshake,
	}, nil
}
