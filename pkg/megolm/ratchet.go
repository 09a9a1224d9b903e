// Package megolm implements the forward-secure group ratchet: a
// sender-side outbound session that advances a four-part HMAC-SHA-256
// chain per message, and inbound sessions reconstructed from the
// shared initial state. Unlike the pairwise double ratchet this chain
// is one-way only, so anyone holding the state at index n can decrypt
// every message from n onward but nothing earlier.
package megolm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/cryptomachine/e2eemachine/pkg/primitives"
)

const ratchetParts = 4

// ratchet is the four-part Megolm chain. Part i is rehashed from part
// j when the counter rolls over the corresponding 8-bit boundary,
// bounding the work to decrypt an old index while keeping the chain
// one-way.
type ratchet struct {
	Data    [ratchetParts][32]byte
	Counter uint32
}

func newRatchet(seed io.Reader) (*ratchet, error) {
	r := &ratchet{}
	for i := range r.Data {
		if _, err := io.ReadFull(seed, r.Data[i][:]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func rehash(src [32]byte, part int) [32]byte {
	var out [32]byte
	copy(out[:], primitives.HMACSHA256(src[:], []byte{byte(part)}))
	return out
}

// advance steps the counter once, rehashing the parts whose 8-bit
// counter segment rolled over.
func (r *ratchet) advance() {
	r.Counter++
	switch {
	case r.Counter&0x00FFFFFF == 0:
		src := r.Data[0]
		for i := 0; i < ratchetParts; i++ {
			r.Data[i] = rehash(src, i)
		}
	case r.Counter&0x0000FFFF == 0:
		src := r.Data[1]
		for i := 1; i < ratchetParts; i++ {
			r.Data[i] = rehash(src, i)
		}
	case r.Counter&0x000000FF == 0:
		src := r.Data[2]
		for i := 2; i < ratchetParts; i++ {
			r.Data[i] = rehash(src, i)
		}
	default:
		r.Data[3] = rehash(r.Data[3], 3)
	}
}

// advanceTo steps forward until the counter reaches target. The chain
// cannot go backward; callers guard against target < Counter.
func (r *ratchet) advanceTo(target uint32) {
	for r.Counter < target {
		r.advance()
	}
}

func (r *ratchet) clone() *ratchet {
	c := *r
	return &c
}

// messageKeys derives the AES and MAC keys for the current index.
func (r *ratchet) messageKeys() (aesKey, macKey []byte) {
	ikm := make([]byte, 0, ratchetParts*32)
	for i := range r.Data {
		ikm = append(ikm, r.Data[i][:]...)
	}
	buf := make([]byte, 64)
	kr := hkdf.New(sha256.New, ikm, nil, []byte("MEGOLM_KEYS"))
	if _, err := io.ReadFull(kr, buf); err != nil {
		panic(err)
	}
	return buf[0:32:32], buf[32:64:64]
}

// exportedRatchet is the JSON shape of a ratchet inside session-key
// and exported-key strings.
type exportedRatchet struct {
	Counter uint32   `json:"counter"`
	Parts   []string `json:"parts"`
}

func (r *ratchet) export() exportedRatchet {
	e := exportedRatchet{Counter: r.Counter, Parts: make([]string, ratchetParts)}
	for i := range r.Data {
		e.Parts[i] = base64.RawStdEncoding.EncodeToString(r.Data[i][:])
	}
	return e
}

func importRatchet(e exportedRatchet) (*ratchet, error) {
	r := &ratchet{Counter: e.Counter}
	if len(e.Parts) != ratchetParts {
		return nil, errMalformed("ratchet must have 4 parts")
	}
	for i, p := range e.Parts {
		raw, err := base64.RawStdEncoding.DecodeString(p)
		if err != nil || len(raw) != 32 {
			return nil, errMalformed("ratchet part not 32 bytes")
		}
		copy(r.Data[i][:], raw)
	}
	return r, nil
}

func marshalArmored(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

func unmarshalArmored(s string, v interface{}) error {
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return errMalformed("session key not base64")
	}
	return json.Unmarshal(raw, v)
}
