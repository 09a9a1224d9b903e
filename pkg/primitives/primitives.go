// Package primitives is the thin boundary over the vetted cryptographic
// building blocks every other component composes: Curve25519 ECDH,
// Ed25519 signatures, AES-CBC+HMAC-SHA-256 (the Olm message cipher),
// AES-256-GCM (at-rest pickle encryption), HKDF and PBKDF2. It holds no
// state beyond the key material callers pass in — ratchet state lives
// in pkg/olm and pkg/megolm, not here.
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// ErrAuthFailed is returned when a MAC or AEAD tag does not verify.
var ErrAuthFailed = errors.New("primitives: authentication failed")

// Curve25519KeyPair is an ECDH key pair used for Olm/Megolm key
// agreement and as a device's long-term identity key.
type Curve25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateCurve25519KeyPair creates a fresh X25519 key pair.
func GenerateCurve25519KeyPair() (Curve25519KeyPair, error) {
	var kp Curve25519KeyPair
	if _, err := io.ReadFull(cryptorand.Reader, kp.Private[:]); err != nil {
		return kp, fmt.Errorf("generate curve25519 key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("derive curve25519 public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicKeyString returns the unpadded-base64 wire representation of
// the public key, matching Matrix's key encoding.
func (kp Curve25519KeyPair) PublicKeyString() types.Curve25519PublicKey {
	return types.Curve25519PublicKey(base64.RawStdEncoding.EncodeToString(kp.Public[:]))
}

// ECDH computes the shared secret between a local private key and a
// peer's base64-encoded public key.
func ECDH(priv [32]byte, peer types.Curve25519PublicKey) ([]byte, error) {
	peerBytes, err := DecodeCurve25519(peer)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(priv[:], peerBytes)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return shared, nil
}

// ECDHBasepoint computes the public key corresponding to a Curve25519
// private key, used when restoring an account or session from a pickle
// that only stored the private half.
func ECDHBasepoint(priv [32]byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("curve25519 basepoint: %w", err)
	}
	return pub, nil
}

// DecodeCurve25519 decodes a base64 Curve25519 public key into its raw
// 32-byte form.
func DecodeCurve25519(key types.Curve25519PublicKey) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil {
		return nil, fmt.Errorf("decode curve25519 key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("decode curve25519 key: want 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

// Ed25519KeyPair is a signing key pair used for device identity and
// cross-signing keys.
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519KeyPair creates a fresh Ed25519 signing key pair.
func GenerateEd25519KeyPair() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return Ed25519KeyPair{Private: priv, Public: pub}, nil
}

// Ed25519KeyPairFromSeed reconstructs a signing key pair from a 32-byte
// seed, used to restore cross-signing keys from an export.
func Ed25519KeyPairFromSeed(seed []byte) (Ed25519KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return Ed25519KeyPair{}, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Ed25519KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyString returns the unpadded-base64 wire representation.
func (kp Ed25519KeyPair) PublicKeyString() types.Ed25519PublicKey {
	return types.Ed25519PublicKey(base64.RawStdEncoding.EncodeToString(kp.Public))
}

// Sign produces a base64-encoded Ed25519 signature over message.
func Sign(priv ed25519.PrivateKey, message []byte) string {
	sig := ed25519.Sign(priv, message)
	return base64.RawStdEncoding.EncodeToString(sig)
}

// VerifySignature checks a base64-encoded Ed25519 signature against a
// base64-encoded public key.
func VerifySignature(pub types.Ed25519PublicKey, message []byte, signature string) bool {
	pubRaw, err := base64.RawStdEncoding.DecodeString(string(pub))
	if err != nil || len(pubRaw) != ed25519.PublicKeySize {
		return false
	}
	sigRaw, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil || len(sigRaw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubRaw, message, sigRaw)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HKDFExpand derives outLen bytes from secret using HKDF-SHA-256 with
// the given info string, following the Olm/Megolm key-derivation
// convention (no extract step — the inputs are already uniform ECDH
// or ratchet output).
func HKDFExpand(secret, info []byte, outLen int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, secret, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// HKDFExtractExpand runs full HKDF-SHA-256 extract-then-expand, used
// for the Olm pre-key (X3DH-style) root key derivation where the input
// keying material is the concatenation of several ECDH outputs.
func HKDFExtractExpand(salt, ikm, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// PBKDF2SHA512 derives a key from a passphrase, used for the exported
// key-file container and (optionally) the store's pickle key.
func PBKDF2SHA512(passphrase, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, keyLen, sha512.New)
}

// HMACSHA256 computes an HMAC-SHA-256 tag, used both for message
// authentication and as the Megolm ratchet's one-way hash step.
func HMACSHA256(key, data []byte) []byte {
	return hmacSHA256(key, data)
}

// AESCBCHMACEncrypt seals plaintext the way an Olm/Megolm ciphertext is
// sealed: AES-256-CBC under aesKey with a random IV, authenticated with
// an HMAC-SHA-256 (truncated to 8 bytes as libolm does) under macKey
// over IV||ciphertext. The returned slice is iv || ciphertext || mac.
func AESCBCHMACEncrypt(aesKey, macKey, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes-cbc seal: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(cryptorand.Reader, iv); err != nil {
		return nil, fmt.Errorf("aes-cbc seal: iv: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmacSHA256(macKey, append(append([]byte{}, iv...), ciphertext...))[:8]

	out := make([]byte, 0, len(iv)+len(ciphertext)+len(mac))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return out, nil
}

// AESCBCHMACDecrypt opens a ciphertext produced by AESCBCHMACEncrypt,
// returning ErrAuthFailed if the MAC does not verify.
func AESCBCHMACDecrypt(aesKey, macKey, sealed []byte) ([]byte, error) {
	if len(sealed) < aes.BlockSize+8 {
		return nil, fmt.Errorf("aes-cbc open: sealed value too short")
	}
	macStart := len(sealed) - 8
	iv := sealed[:aes.BlockSize]
	ciphertext := sealed[aes.BlockSize:macStart]
	gotMAC := sealed[macStart:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("aes-cbc open: ciphertext not block aligned")
	}

	wantMAC := hmacSHA256(macKey, sealed[:macStart])[:8]
	if subtle.ConstantTimeCompare(gotMAC, wantMAC) != 1 {
		return nil, ErrAuthFailed
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes-cbc open: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded)
}

// GCMEncrypt seals plaintext with AES-256-GCM, used for at-rest
// encryption of pickled account/session state under the store's
// pickle key. Returns nonce || ciphertext.
func GCMEncrypt(key, plaintext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("gcm seal: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm seal: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("gcm seal: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, additionalData), nil
}

// GCMDecrypt opens a value produced by GCMEncrypt.
func GCMDecrypt(key, sealed, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("gcm open: sealed value too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

// CanonicalJSON renders v compactly, with no insignificant whitespace,
// for anything that gets an Ed25519 signature over it. Go's
// encoding/json emits map[string]T keys sorted, so maps come out in
// Matrix's lexicographic key order; struct fields come out in
// declaration order, so a struct renders with sorted keys only when its
// fields are declared in that order. This is a thin wrapper rather than
// a from-scratch canonicalizer; it does not implement Matrix's
// Unicode-escaping edge cases, which this domain's inputs never exercise.
func CanonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7 unpad: empty input")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("pkcs7 unpad: invalid padding")
	}
	return data[:len(data)-padLen], nil
}
