package cryptostore

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
)

// OpenSQLite opens (creating if needed) a plain sqlite store via the
// pure-Go driver, for callers who cannot use cgo. The database file
// itself is unencrypted — only as protected as the filesystem — but
// every pickled ratchet inside is still sealed under the
// passphrase-protected pickle key.
func OpenSQLite(path string, passphrase []byte, pbkdf2Iterations int) (*SQLStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("open sqlite store").Build()
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("open sqlite store").Build()
	}
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
