package cryptostore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cryptomachine/e2eemachine/internal/machineerr"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// SQLStore implements Store over a *sql.DB. Both the SQLCipher and the
// pure-Go sqlite backends share this implementation; they differ only
// in how the database is opened and how the pickle key is protected.
type SQLStore struct {
	mu        sync.RWMutex
	db        *sql.DB
	pickleKey []byte
}

var _ Store = (*SQLStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS core (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickled BLOB NOT NULL,
	last_used TIMESTAMP NOT NULL,
	PRIMARY KEY (sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS inbound_group_sessions (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (room_id, sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS outbound_group_sessions (
	room_id TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS devices (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE IF NOT EXISTS identities (
	user_id TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS tracked_users (
	user_id TEXT PRIMARY KEY,
	dirty INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS olm_hashes (
	sender_key TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (sender_key, hash)
);
CREATE TABLE IF NOT EXISTS gossip_requests (
	request_id TEXT PRIMARY KEY,
	info_key TEXT NOT NULL,
	state INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gossip_info ON gossip_requests(info_key, state);
`

// PickleKey returns the key every ratchet pickle is sealed under.
func (s *SQLStore) PickleKey() []byte { return s.pickleKey }

// SaveChanges applies the whole change set in one transaction.
func (s *SQLStore) SaveChanges(ctx context.Context, changes *types.ChangeSet) error {
	if changes.IsEmpty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("begin change-set transaction").Build()
	}
	defer tx.Rollback()

	if err := s.applyChanges(ctx, tx, changes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return machineerr.NewBuilder("STO-001").Wrap(err).WithMessage("commit change set").Build()
	}
	return nil
}

func storeErr(op string, err error) error {
	return machineerr.NewBuilder("STO-001").Wrap(err).WithMessage(op).Build()
}

func (s *SQLStore) applyChanges(ctx context.Context, tx *sql.Tx, changes *types.ChangeSet) error {
	if changes.Account != nil {
		raw, err := json.Marshal(changes.Account)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO core(key, value) VALUES('account', ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, raw); err != nil {
			return storeErr("save account", err)
		}
	}
	if changes.PrivateIdentity != nil {
		raw, err := json.Marshal(changes.PrivateIdentity)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO core(key, value) VALUES('private_identity', ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, raw); err != nil {
			return storeErr("save private identity", err)
		}
	}
	for _, sess := range changes.Sessions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions(sender_key, session_id, pickled, last_used) VALUES(?, ?, ?, ?)
			 ON CONFLICT(sender_key, session_id) DO UPDATE SET pickled=excluded.pickled, last_used=excluded.last_used`,
			string(sess.SenderKey), string(sess.SessionID), sess.Pickled, sess.LastUsed); err != nil {
			return storeErr("save session", err)
		}
	}
	for _, sess := range changes.InboundGroupSessions {
		raw, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inbound_group_sessions(room_id, sender_key, session_id, data) VALUES(?, ?, ?, ?)
			 ON CONFLICT(room_id, sender_key, session_id) DO UPDATE SET data=excluded.data`,
			string(sess.RoomID), string(sess.SenderKey), string(sess.SessionID), raw); err != nil {
			return storeErr("save inbound group session", err)
		}
	}
	for _, sess := range changes.OutboundGroupSessions {
		raw, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbound_group_sessions(room_id, data) VALUES(?, ?)
			 ON CONFLICT(room_id) DO UPDATE SET data=excluded.data`,
			string(sess.RoomID), raw); err != nil {
			return storeErr("save outbound group session", err)
		}
	}
	for _, d := range changes.Devices {
		if d.Deleted {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM devices WHERE user_id=? AND device_id=?`,
				string(d.UserID), string(d.DeviceID)); err != nil {
				return storeErr("delete device", err)
			}
			continue
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO devices(user_id, device_id, data) VALUES(?, ?, ?)
			 ON CONFLICT(user_id, device_id) DO UPDATE SET data=excluded.data`,
			string(d.UserID), string(d.DeviceID), raw); err != nil {
			return storeErr("save device", err)
		}
	}
	for _, id := range changes.Identities {
		raw, err := json.Marshal(id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identities(user_id, data) VALUES(?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET data=excluded.data`,
			string(id.UserID), raw); err != nil {
			return storeErr("save identity", err)
		}
	}
	for _, g := range changes.GossipRequests {
		raw, err := json.Marshal(g)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gossip_requests(request_id, info_key, state, data) VALUES(?, ?, ?, ?)
			 ON CONFLICT(request_id) DO UPDATE SET info_key=excluded.info_key, state=excluded.state, data=excluded.data`,
			g.RequestID, g.InfoKey(), int(g.State), raw); err != nil {
			return storeErr("save gossip request", err)
		}
	}
	for _, h := range changes.MessageHashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO olm_hashes(sender_key, hash) VALUES(?, ?)`,
			string(h.SenderKey), h.Hash); err != nil {
			return storeErr("save message hash", err)
		}
	}
	for _, t := range changes.TrackedUsers {
		dirty := 0
		if t.Dirty {
			dirty = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tracked_users(user_id, dirty) VALUES(?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET dirty=excluded.dirty`,
			string(t.UserID), dirty); err != nil {
			return storeErr("save tracked user", err)
		}
	}
	return nil
}

func readErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return machineerr.NewBuilder("STO-002").Wrap(err).WithMessage(op).Build()
}

// LoadAccount implements Store.
func (s *SQLStore) LoadAccount(ctx context.Context) (*types.AccountChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM core WHERE key='account'`).Scan(&raw)
	if err != nil {
		return nil, readErr("load account", err)
	}
	var acc types.AccountChange
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, fmt.Errorf("decode account row: %w", err)
	}
	return &acc, nil
}

// LoadSession implements Store.
func (s *SQLStore) LoadSession(ctx context.Context, senderKey types.Curve25519PublicKey, sessionID types.SessionID) (*types.SessionChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := types.SessionChange{SenderKey: senderKey, SessionID: sessionID}
	err := s.db.QueryRowContext(ctx,
		`SELECT pickled, last_used FROM sessions WHERE sender_key=? AND session_id=?`,
		string(senderKey), string(sessionID)).Scan(&sess.Pickled, &sess.LastUsed)
	if err != nil {
		return nil, readErr("load session", err)
	}
	return &sess, nil
}

// LoadSessionsForSender implements Store.
func (s *SQLStore) LoadSessionsForSender(ctx context.Context, senderKey types.Curve25519PublicKey) ([]types.SessionChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, pickled, last_used FROM sessions WHERE sender_key=? ORDER BY last_used DESC`,
		string(senderKey))
	if err != nil {
		return nil, readErr("load sessions", err)
	}
	defer rows.Close()

	var out []types.SessionChange
	for rows.Next() {
		sess := types.SessionChange{SenderKey: senderKey}
		var id string
		if err := rows.Scan(&id, &sess.Pickled, &sess.LastUsed); err != nil {
			return nil, readErr("scan session", err)
		}
		sess.SessionID = types.SessionID(id)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LoadInboundGroupSession implements Store.
func (s *SQLStore) LoadInboundGroupSession(ctx context.Context, roomID types.RoomID, senderKey types.Curve25519PublicKey, sessionID types.SessionID) (*types.InboundGroupSessionChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM inbound_group_sessions WHERE room_id=? AND sender_key=? AND session_id=?`,
		string(roomID), string(senderKey), string(sessionID)).Scan(&raw)
	if err != nil {
		return nil, readErr("load inbound group session", err)
	}
	var sess types.InboundGroupSessionChange
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode inbound group session row: %w", err)
	}
	return &sess, nil
}

// LoadInboundGroupSessions implements Store.
func (s *SQLStore) LoadInboundGroupSessions(ctx context.Context) ([]types.InboundGroupSessionChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM inbound_group_sessions ORDER BY room_id, session_id`)
	if err != nil {
		return nil, readErr("load inbound group sessions", err)
	}
	defer rows.Close()

	var out []types.InboundGroupSessionChange
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, readErr("scan inbound group session", err)
		}
		var sess types.InboundGroupSessionChange
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("decode inbound group session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LoadOutboundGroupSession implements Store.
func (s *SQLStore) LoadOutboundGroupSession(ctx context.Context, roomID types.RoomID) (*types.OutboundGroupSessionChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM outbound_group_sessions WHERE room_id=?`, string(roomID)).Scan(&raw)
	if err != nil {
		return nil, readErr("load outbound group session", err)
	}
	var sess types.OutboundGroupSessionChange
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode outbound group session row: %w", err)
	}
	return &sess, nil
}

// LoadDevice implements Store.
func (s *SQLStore) LoadDevice(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM devices WHERE user_id=? AND device_id=?`,
		string(userID), string(deviceID)).Scan(&raw)
	if err != nil {
		return nil, readErr("load device", err)
	}
	var d types.Device
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode device row: %w", err)
	}
	return &d, nil
}

// LoadDevicesForUser implements Store.
func (s *SQLStore) LoadDevicesForUser(ctx context.Context, userID types.UserID) ([]types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM devices WHERE user_id=? ORDER BY device_id`, string(userID))
	if err != nil {
		return nil, readErr("load devices", err)
	}
	defer rows.Close()

	var out []types.Device
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, readErr("scan device", err)
		}
		var d types.Device
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode device row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LoadUserIdentity implements Store.
func (s *SQLStore) LoadUserIdentity(ctx context.Context, userID types.UserID) (*types.UserIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM identities WHERE user_id=?`, string(userID)).Scan(&raw)
	if err != nil {
		return nil, readErr("load user identity", err)
	}
	var id types.UserIdentity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("decode identity row: %w", err)
	}
	return &id, nil
}

// LoadPrivateIdentity implements Store.
func (s *SQLStore) LoadPrivateIdentity(ctx context.Context) (*types.PrivateCrossSigningIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM core WHERE key='private_identity'`).Scan(&raw)
	if err != nil {
		return nil, readErr("load private identity", err)
	}
	var id types.PrivateCrossSigningIdentity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("decode private identity row: %w", err)
	}
	return &id, nil
}

// LoadPendingGossipRequests implements Store.
func (s *SQLStore) LoadPendingGossipRequests(ctx context.Context) ([]types.GossipRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM gossip_requests WHERE state IN (?, ?) ORDER BY request_id`,
		int(types.GossipRequestUnsent), int(types.GossipRequestSent))
	if err != nil {
		return nil, readErr("load gossip requests", err)
	}
	defer rows.Close()

	var out []types.GossipRequest
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, readErr("scan gossip request", err)
		}
		var g types.GossipRequest
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decode gossip request row: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// LoadGossipRequest implements Store.
func (s *SQLStore) LoadGossipRequest(ctx context.Context, requestID string) (*types.GossipRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM gossip_requests WHERE request_id=?`, requestID).Scan(&raw)
	if err != nil {
		return nil, readErr("load gossip request", err)
	}
	var g types.GossipRequest
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode gossip request row: %w", err)
	}
	return &g, nil
}

// LoadGossipRequestByInfo implements Store.
func (s *SQLStore) LoadGossipRequestByInfo(ctx context.Context, infoKey string) (*types.GossipRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM gossip_requests WHERE info_key=? AND state IN (?, ?) LIMIT 1`,
		infoKey, int(types.GossipRequestUnsent), int(types.GossipRequestSent)).Scan(&raw)
	if err != nil {
		return nil, readErr("load gossip request by info", err)
	}
	var g types.GossipRequest
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode gossip request row: %w", err)
	}
	return &g, nil
}

// UpdateTrackedUser implements Store.
func (s *SQLStore) UpdateTrackedUser(ctx context.Context, userID types.UserID, dirty bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var present int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracked_users WHERE user_id=?`, string(userID)).Scan(&present)
	if err != nil {
		return false, readErr("check tracked user", err)
	}
	d := 0
	if dirty {
		d = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_users(user_id, dirty) VALUES(?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET dirty=excluded.dirty`,
		string(userID), d); err != nil {
		return false, storeErr("update tracked user", err)
	}
	return present > 0, nil
}

// TrackedUsers implements Store.
func (s *SQLStore) TrackedUsers(ctx context.Context) ([]types.TrackedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, dirty FROM tracked_users ORDER BY user_id`)
	if err != nil {
		return nil, readErr("load tracked users", err)
	}
	defer rows.Close()

	var out []types.TrackedUser
	for rows.Next() {
		var u string
		var dirty int
		if err := rows.Scan(&u, &dirty); err != nil {
			return nil, readErr("scan tracked user", err)
		}
		out = append(out, types.TrackedUser{UserID: types.UserID(u), Dirty: dirty != 0})
	}
	return out, rows.Err()
}

// IsUserTracked implements Store.
func (s *SQLStore) IsUserTracked(ctx context.Context, userID types.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracked_users WHERE user_id=?`, string(userID)).Scan(&n)
	if err != nil {
		return false, readErr("check tracked user", err)
	}
	return n > 0, nil
}

// HasUsersForKeyQuery implements Store.
func (s *SQLStore) HasUsersForKeyQuery(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_users WHERE dirty=1`).Scan(&n)
	if err != nil {
		return false, readErr("count dirty users", err)
	}
	return n > 0, nil
}

// IsMessageKnown implements Store.
func (s *SQLStore) IsMessageKnown(ctx context.Context, hash types.OlmMessageHash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM olm_hashes WHERE sender_key=? AND hash=?`,
		string(hash.SenderKey), hash.Hash).Scan(&n)
	if err != nil {
		return false, readErr("check message hash", err)
	}
	return n > 0, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
