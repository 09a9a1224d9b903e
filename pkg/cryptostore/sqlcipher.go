package cryptostore

import (
	"crypto/sha512"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"golang.org/x/crypto/pbkdf2"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
)

// SQLCipher DSN pragma defaults matching the library's own.
const (
	cipherPageSize   = 4096
	cipherKDFIter    = 256000
	sqlcipherKeyLen  = 32
)

// OpenSQLCipher opens (creating if needed) an SQLCipher-encrypted
// store. The database key and the pickle wrap key are both derived
// from the passphrase but with independent salts, so neither reveals
// the other.
func OpenSQLCipher(path string, passphrase []byte, pbkdf2Iterations int) (*SQLStore, error) {
	// The database-level key must be derivable before the database can
	// be opened, so its salt is the path-independent constant role
	// string rather than a stored salt; per-install uniqueness comes
	// from the passphrase. The pickle key inside gets a true random
	// salt once the database exists.
	dbKey := pbkdf2.Key(passphrase, []byte("e2ee-store-sqlcipher"), pbkdf2Iterations, sqlcipherKeyLen, sha512.New)

	dsn := fmt.Sprintf(
		"file:%s?_pragma_key=x'%s'&_pragma_cipher_page_size=%d&_pragma_kdf_iter=%d&_foreign_keys=ON",
		path, hex.EncodeToString(dbKey), cipherPageSize, cipherKDFIter,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("open sqlcipher store").Build()
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("open sqlcipher store; wrong passphrase?").Build()
	}
	// A single connection keeps the change-set transaction and the
	// reads it races against on one serialized handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("create schema").Build()
	}
	pickleKey, err := loadOrCreatePickleKey(db, passphrase, pbkdf2Iterations)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, pickleKey: pickleKey}, nil
}
