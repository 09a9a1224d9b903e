// Package cryptostore defines the crypto machine's persistence contract,
// an in-memory store, and two SQL backends: an SQLCipher-encrypted store
// and a pure-Go sqlite store for callers who cannot use cgo.
package cryptostore

import (
	"context"
	"errors"

	"github.com/cryptomachine/e2eemachine/pkg/types"
)

// ErrNotFound is returned by any lookup that finds nothing.
var ErrNotFound = errors.New("cryptostore: not found")

// Store is the crypto machine's persistence contract. Every mutating
// operation applies through SaveChanges so a crash between writing the
// account and writing its sessions can never leave the two out of
// sync — the whole ChangeSet commits as one transaction or not at all.
type Store interface {
	// SaveChanges atomically applies every mutation in the ChangeSet.
	SaveChanges(ctx context.Context, changes *types.ChangeSet) error

	// LoadAccount returns the persisted, pickled account, or ErrNotFound
	// if no account has ever been saved.
	LoadAccount(ctx context.Context) (*types.AccountChange, error)

	// LoadSession returns one pairwise Olm session by sender key and
	// session ID, or ErrNotFound.
	LoadSession(ctx context.Context, senderKey types.Curve25519PublicKey, sessionID types.SessionID) (*types.SessionChange, error)

	// LoadSessionsForSender returns every session this account has
	// with a given sender key, most-recently-used first.
	LoadSessionsForSender(ctx context.Context, senderKey types.Curve25519PublicKey) ([]types.SessionChange, error)

	// LoadInboundGroupSession returns one inbound Megolm session, or
	// ErrNotFound.
	LoadInboundGroupSession(ctx context.Context, roomID types.RoomID, senderKey types.Curve25519PublicKey, sessionID types.SessionID) (*types.InboundGroupSessionChange, error)

	// LoadOutboundGroupSession returns the current outbound Megolm
	// session for a room, or ErrNotFound if none exists yet.
	LoadOutboundGroupSession(ctx context.Context, roomID types.RoomID) (*types.OutboundGroupSessionChange, error)

	// LoadDevice returns one user's device, or ErrNotFound.
	LoadDevice(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (*types.Device, error)

	// LoadDevicesForUser returns every tracked device for a user.
	LoadDevicesForUser(ctx context.Context, userID types.UserID) ([]types.Device, error)

	// LoadUserIdentity returns a user's cross-signing identity, or
	// ErrNotFound.
	LoadUserIdentity(ctx context.Context, userID types.UserID) (*types.UserIdentity, error)

	// LoadPrivateIdentity returns the local private cross-signing
	// identity, or ErrNotFound if never bootstrapped.
	LoadPrivateIdentity(ctx context.Context) (*types.PrivateCrossSigningIdentity, error)

	// LoadInboundGroupSessions returns every inbound Megolm session,
	// used by export_keys and the backup hooks.
	LoadInboundGroupSessions(ctx context.Context) ([]types.InboundGroupSessionChange, error)

	// LoadPendingGossipRequests returns every gossip request that has
	// not yet been cancelled or satisfied.
	LoadPendingGossipRequests(ctx context.Context) ([]types.GossipRequest, error)

	// LoadGossipRequest returns a gossip request by its request ID, or
	// ErrNotFound.
	LoadGossipRequest(ctx context.Context, requestID string) (*types.GossipRequest, error)

	// LoadGossipRequestByInfo returns the live request for a given
	// room key or secret, keyed by GossipRequest.InfoKey, or
	// ErrNotFound. This is the dedup index: at most one uncancelled
	// request exists per info key.
	LoadGossipRequestByInfo(ctx context.Context, infoKey string) (*types.GossipRequest, error)

	// UpdateTrackedUser records a user as tracked with the given dirty
	// bit, reporting whether the user was already tracked.
	UpdateTrackedUser(ctx context.Context, userID types.UserID, dirty bool) (bool, error)

	// TrackedUsers returns every tracked user.
	TrackedUsers(ctx context.Context) ([]types.TrackedUser, error)

	// IsUserTracked reports whether the user's device list is followed.
	IsUserTracked(ctx context.Context, userID types.UserID) (bool, error)

	// HasUsersForKeyQuery reports whether any tracked user is dirty.
	HasUsersForKeyQuery(ctx context.Context) (bool, error)

	// IsMessageKnown reports whether an Olm pre-key message hash was
	// already accepted, for replay rejection.
	IsMessageKnown(ctx context.Context, hash types.OlmMessageHash) (bool, error)

	// Close releases any resources the backend holds.
	Close() error
}
