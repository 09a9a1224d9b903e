// Package keyexport implements the encrypted, armored container for
// room-key export files: PBKDF2-SHA512 key derivation, AES-256-CTR
// encryption, HMAC-SHA-256 authentication, base64 armor between
// fixed header and footer lines.
package keyexport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"

	"github.com/cryptomachine/e2eemachine/pkg/primitives"
	"github.com/cryptomachine/e2eemachine/pkg/securerandom"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

const (
	// HeaderLine and FooterLine frame the armored payload.
	HeaderLine = "-----BEGIN MEGOLM SESSION DATA-----"
	FooterLine = "-----END MEGOLM SESSION DATA-----"

	// DefaultRounds is the PBKDF2 iteration count for fresh exports.
	DefaultRounds = 100_000

	formatVersion = 1
	saltLength    = 16
	ivLength      = 16
)

var (
	// ErrBadPassphrase is returned when the HMAC over the container
	// does not verify.
	ErrBadPassphrase = errors.New("keyexport: authentication failed; wrong passphrase or corrupted file")

	// ErrMalformed is returned for containers that do not parse.
	ErrMalformed = errors.New("keyexport: malformed export container")
)

// deriveKeys expands the passphrase into independent AES and HMAC keys.
func deriveKeys(passphrase, salt []byte, rounds int) (aesKey, macKey []byte) {
	material := primitives.PBKDF2SHA512(passphrase, salt, rounds, 64)
	return material[:32], material[32:]
}

// Encrypt seals the exported keys under a passphrase and returns the
// armored container.
func Encrypt(keys []types.ExportedRoomKey, passphrase []byte, rounds int) (string, error) {
	if rounds <= 0 {
		rounds = DefaultRounds
	}
	plaintext, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}

	salt, err := securerandom.Bytes(saltLength)
	if err != nil {
		return "", err
	}
	iv, err := securerandom.Bytes(ivLength)
	if err != nil {
		return "", err
	}
	// Clearing the high bit of the counter keeps it from overflowing
	// across the whole stream.
	iv[8] &= 0x7F

	aesKey, macKey := deriveKeys(passphrase, salt, rounds)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	body := make([]byte, 0, 1+saltLength+ivLength+4+len(ciphertext)+sha256.Size)
	body = append(body, formatVersion)
	body = append(body, salt...)
	body = append(body, iv...)
	var roundsBE [4]byte
	binary.BigEndian.PutUint32(roundsBE[:], uint32(rounds))
	body = append(body, roundsBE[:]...)
	body = append(body, ciphertext...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	body = mac.Sum(body)

	armored := base64.StdEncoding.EncodeToString(body)
	var b strings.Builder
	b.WriteString(HeaderLine)
	b.WriteString("\n")
	for len(armored) > 96 {
		b.WriteString(armored[:96])
		b.WriteString("\n")
		armored = armored[96:]
	}
	b.WriteString(armored)
	b.WriteString("\n")
	b.WriteString(FooterLine)
	b.WriteString("\n")
	return b.String(), nil
}

// Decrypt opens an armored container, verifying the HMAC before
// touching the ciphertext.
func Decrypt(armored string, passphrase []byte) ([]types.ExportedRoomKey, error) {
	trimmed := strings.TrimSpace(armored)
	if !strings.HasPrefix(trimmed, HeaderLine) || !strings.HasSuffix(trimmed, FooterLine) {
		return nil, ErrMalformed
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, HeaderLine), FooterLine)
	inner = strings.ReplaceAll(inner, "\n", "")
	inner = strings.ReplaceAll(inner, "\r", "")

	body, err := base64.StdEncoding.DecodeString(inner)
	if err != nil {
		return nil, ErrMalformed
	}
	minLen := 1 + saltLength + ivLength + 4 + sha256.Size
	if len(body) < minLen || body[0] != formatVersion {
		return nil, ErrMalformed
	}

	macStart := len(body) - sha256.Size
	salt := body[1 : 1+saltLength]
	iv := body[1+saltLength : 1+saltLength+ivLength]
	rounds := int(binary.BigEndian.Uint32(body[1+saltLength+ivLength : 1+saltLength+ivLength+4]))
	ciphertext := body[1+saltLength+ivLength+4 : macStart]

	aesKey, macKey := deriveKeys(passphrase, salt, rounds)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body[:macStart])
	if subtle.ConstantTimeCompare(mac.Sum(nil), body[macStart:]) != 1 {
		return nil, ErrBadPassphrase
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	var keys []types.ExportedRoomKey
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return nil, ErrMalformed
	}
	return keys, nil
}
