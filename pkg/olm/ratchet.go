// Package olm implements the pairwise double-ratchet sessions the
// to-device layer encrypts with: an X3DH-style pre-key handshake to
// agree the shared secret, then the Double Ratchet from
// github.com/ericlagergren/dr driven by an Olm-flavoured cipher suite
// (Curve25519 DH, HKDF-SHA-256 root KDF, HMAC-SHA-256 chain KDF,
// AES-256-CBC + HMAC-SHA-256 message sealing).
package olm

import (
	"crypto/sha256"
	"io"
	"strconv"

	"github.com/ericlagergren/dr"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/cryptomachine/e2eemachine/pkg/primitives"
)

// KDF info strings binding derived keys to their role.
const (
	rootInfo    = "OLM_RATCHET"
	messageInfo = "OLM_KEYS"
	sharedInfo  = "OLM_ROOT"
)

// cipherSuite implements dr.Ratchet with the Olm primitive set instead
// of the package's default XChaCha20-Poly1305.
type cipherSuite struct{}

var _ dr.Ratchet = cipherSuite{}

// Generate creates a clamped X25519 scalar with its public point
// appended, the (private, public) layout dr.PrivateKey expects.
func (cipherSuite) Generate(r io.Reader) (dr.PrivateKey, error) {
	const (
		s = curve25519.ScalarSize
		p = curve25519.PointSize
	)
	key := make([]byte, s+p)
	if _, err := io.ReadFull(r, key[:s]); err != nil {
		return nil, err
	}
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	pub, err := curve25519.X25519(key[:s], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(key[s:], pub)
	return key, nil
}

func (cipherSuite) Public(priv dr.PrivateKey) dr.PublicKey {
	if len(priv) != curve25519.ScalarSize+curve25519.PointSize {
		panic("olm: invalid key pair size: " + strconv.Itoa(len(priv)))
	}
	return append(dr.PublicKey(nil), priv[curve25519.ScalarSize:]...)
}

func (cipherSuite) DH(priv dr.PrivateKey, pub dr.PublicKey) ([]byte, error) {
	return curve25519.X25519(priv[:curve25519.ScalarSize], pub)
}

func (cipherSuite) KDFrk(rk dr.RootKey, dh []byte) (dr.RootKey, dr.ChainKey) {
	buf := make([]byte, 64)
	r := hkdf.New(sha256.New, dh, rk, []byte(rootInfo))
	if _, err := io.ReadFull(r, buf); err != nil {
		panic(err)
	}
	return buf[0:32:32], buf[32:64:64]
}

// KDFck advances the chain key with the 0x02/0x01 HMAC constants the
// Olm ratchet uses.
func (cipherSuite) KDFck(ck dr.ChainKey) (dr.ChainKey, dr.MessageKey) {
	next := primitives.HMACSHA256(ck, []byte{0x02})
	mk := primitives.HMACSHA256(ck, []byte{0x01})
	return next, mk
}

// deriveMessageKeys expands a ratchet message key into the AES and MAC
// keys the CBC+HMAC cipher needs.
func deriveMessageKeys(mk []byte) (aesKey, macKey []byte) {
	buf := make([]byte, 64)
	r := hkdf.New(sha256.New, mk, nil, []byte(messageInfo))
	if _, err := io.ReadFull(r, buf); err != nil {
		panic(err)
	}
	return buf[0:32:32], buf[32:64:64]
}

func (cipherSuite) Seal(key dr.MessageKey, plaintext, additionalData []byte) []byte {
	aesKey, macKey := deriveMessageKeys(key)
	// The CBC+HMAC construction authenticates IV and ciphertext; the
	// additional data (header) is folded into the MAC key so a header
	// swap breaks authentication.
	macKey = primitives.HMACSHA256(macKey, additionalData)
	sealed, err := primitives.AESCBCHMACEncrypt(aesKey, macKey, plaintext)
	if err != nil {
		panic(err)
	}
	return sealed
}

func (cipherSuite) Open(key dr.MessageKey, ciphertext, additionalData []byte) ([]byte, error) {
	aesKey, macKey := deriveMessageKeys(key)
	macKey = primitives.HMACSHA256(macKey, additionalData)
	return primitives.AESCBCHMACDecrypt(aesKey, macKey, ciphertext)
}

func (c cipherSuite) Header(priv dr.PrivateKey, prevChainLength, messageNum int) dr.Header {
	return dr.Header{
		PublicKey: c.Public(priv),
		PN:        prevChainLength,
		N:         messageNum,
	}
}

func (cipherSuite) Concat(additionalData []byte, h dr.Header) []byte {
	return dr.Concat(additionalData, h)
}

// sharedSecret derives the double-ratchet root secret from the three
// X3DH ECDH outputs.
func sharedSecret(dh1, dh2, dh3 []byte) []byte {
	ikm := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	out, err := primitives.HKDFExtractExpand(nil, ikm, []byte(sharedInfo), 32)
	if err != nil {
		panic(err)
	}
	return out
}
