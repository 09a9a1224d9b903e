package cryptostore

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"io"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/pkg/primitives"
)

const (
	pickleKeyLength = 32
	saltLength      = 32
)

// loadOrCreatePickleKey returns the random key every pickle is sealed
// under. The key itself lives in the core table wrapped with a
// passphrase-derived key (PBKDF2-SHA512 over a persisted salt), so a
// passphrase change only re-wraps 32 bytes instead of re-pickling
// every ratchet.
func loadOrCreatePickleKey(db *sql.DB, passphrase []byte, iterations int) ([]byte, error) {
	var salt []byte
	err := db.QueryRow(`SELECT value FROM core WHERE key='pickle_salt'`).Scan(&salt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		salt = make([]byte, saltLength)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, machineerr.NewBuilder("STO-003").Wrap(err).WithMessage("generate pickle salt").Build()
		}
		if _, err := db.Exec(`INSERT INTO core(key, value) VALUES('pickle_salt', ?)`, salt); err != nil {
			return nil, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("persist pickle salt").Build()
		}
	case err != nil:
		return nil, machineerr.NewBuilder("STO-002").Wrap(err).WithMessage("load pickle salt").Build()
	}

	wrapKey := primitives.PBKDF2SHA512(passphrase, salt, iterations, pickleKeyLength)

	var wrapped []byte
	err = db.QueryRow(`SELECT value FROM core WHERE key='pickle_key'`).Scan(&wrapped)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		key := make([]byte, pickleKeyLength)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, machineerr.NewBuilder("STO-003").Wrap(err).WithMessage("generate pickle key").Build()
		}
		sealed, err := primitives.GCMEncrypt(wrapKey, key, []byte("pickle_key"))
		if err != nil {
			return nil, machineerr.NewBuilder("STO-003").Wrap(err).WithMessage("wrap pickle key").Build()
		}
		if _, err := db.Exec(`INSERT INTO core(key, value) VALUES('pickle_key', ?)`, sealed); err != nil {
			return nil, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("persist pickle key").Build()
		}
		return key, nil
	case err != nil:
		return nil, machineerr.NewBuilder("STO-002").Wrap(err).WithMessage("load pickle key").Build()
	}

	key, err := primitives.GCMDecrypt(wrapKey, wrapped, []byte("pickle_key"))
	if err != nil {
		return nil, machineerr.NewBuilder("STO-003").Wrap(err).WithMessage("unwrap pickle key; wrong passphrase?").Build()
	}
	return key, nil
}
