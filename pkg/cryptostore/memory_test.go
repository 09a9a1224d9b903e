package cryptostore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptomachine/e2eemachine/pkg/types"
)

func TestAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LoadAccount(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveChanges(ctx, &types.ChangeSet{
		Account: &types.AccountChange{Pickled: []byte("pickled"), UploadedOTKCount: 42},
	}))

	acc, err := s.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pickled"), acc.Pickled)
	assert.Equal(t, 42, acc.UploadedOTKCount)
}

func TestSessionsOrderedByLastUsed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sender := types.Curve25519PublicKey("peer-key")

	older := types.SessionChange{SenderKey: sender, SessionID: "old", LastUsed: time.Now().Add(-time.Hour)}
	newer := types.SessionChange{SenderKey: sender, SessionID: "new", LastUsed: time.Now()}
	require.NoError(t, s.SaveChanges(ctx, &types.ChangeSet{Sessions: []types.SessionChange{older, newer}}))

	sessions, err := s.LoadSessionsForSender(ctx, sender)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, types.SessionID("new"), sessions[0].SessionID, "most recently used first")
}

func TestDeviceDeletion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	user := types.UserID("@bob:example.org")

	device := types.Device{UserID: user, DeviceID: "D2"}
	require.NoError(t, s.SaveChanges(ctx, &types.ChangeSet{Devices: []types.Device{device}}))

	_, err := s.LoadDevice(ctx, user, "D2")
	require.NoError(t, err)

	device.Deleted = true
	require.NoError(t, s.SaveChanges(ctx, &types.ChangeSet{Devices: []types.Device{device}}))

	_, err = s.LoadDevice(ctx, user, "D2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrackedUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	user := types.UserID("@carol:example.org")

	tracked, err := s.IsUserTracked(ctx, user)
	require.NoError(t, err)
	assert.False(t, tracked)

	already, err := s.UpdateTrackedUser(ctx, user, true)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = s.UpdateTrackedUser(ctx, user, true)
	require.NoError(t, err)
	assert.True(t, already)

	has, err := s.HasUsersForKeyQuery(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = s.UpdateTrackedUser(ctx, user, false)
	require.NoError(t, err)
	has, err = s.HasUsersForKeyQuery(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGossipInfoIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	req := types.GossipRequest{
		RequestID: "req-1",
		RoomID:    "!room:x",
		SenderKey: "sender-key",
		SessionID: "session-1",
		State:     types.GossipRequestUnsent,
	}
	require.NoError(t, s.SaveChanges(ctx, &types.ChangeSet{GossipRequests: []types.GossipRequest{req}}))

	// The info index deduplicates by what is being asked for.
	got, err := s.LoadGossipRequestByInfo(ctx, req.InfoKey())
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)

	pending, err := s.LoadPendingGossipRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Cancelling drops it from both the pending list and the index.
	req.State = types.GossipRequestCancelled
	require.NoError(t, s.SaveChanges(ctx, &types.ChangeSet{GossipRequests: []types.GossipRequest{req}}))

	_, err = s.LoadGossipRequestByInfo(ctx, req.InfoKey())
	assert.ErrorIs(t, err, ErrNotFound)
	pending, err = s.LoadPendingGossipRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The request itself is still loadable by ID for audit.
	got, err = s.LoadGossipRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.GossipRequestCancelled, got.State)
}

func TestMessageHashes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	hash := types.OlmMessageHash{SenderKey: "peer", Hash: "abc123"}

	known, err := s.IsMessageKnown(ctx, hash)
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, s.SaveChanges(ctx, &types.ChangeSet{MessageHashes: []types.OlmMessageHash{hash}}))

	known, err = s.IsMessageKnown(ctx, hash)
	require.NoError(t, err)
	assert.True(t, known)

	other := types.OlmMessageHash{SenderKey: "someone-else", Hash: "abc123"}
	known, err = s.IsMessageKnown(ctx, other)
	require.NoError(t, err)
	assert.False(t, known, "hashes are scoped per sender key")
}

func TestInboundGroupSessionKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := types.InboundGroupSessionChange{RoomID: "!a:x", SenderKey: "k1", SessionID: "s1", FirstKnownIndex: 5}
	b := types.InboundGroupSessionChange{RoomID: "!a:x", SenderKey: "k1", SessionID: "s2"}
	require.NoError(t, s.SaveChanges(ctx, &types.ChangeSet{InboundGroupSessions: []types.InboundGroupSessionChange{a, b}}))

	got, err := s.LoadInboundGroupSession(ctx, "!a:x", "k1", "s1")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got.FirstKnownIndex)

	all, err := s.LoadInboundGroupSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEmptyChangeSetIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SaveChanges(ctx, &types.ChangeSet{}))
}
