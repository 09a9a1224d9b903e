package machine_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptomachine/e2eemachine/pkg/cryptostore"
	"github.com/cryptomachine/e2eemachine/pkg/event"
	"github.com/cryptomachine/e2eemachine/pkg/gossip"
	"github.com/cryptomachine/e2eemachine/pkg/groupsession"
	"github.com/cryptomachine/e2eemachine/pkg/machine"
	"github.com/cryptomachine/e2eemachine/pkg/megolm"
	"github.com/cryptomachine/e2eemachine/pkg/requests"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

var (
	testPickleKey = make([]byte, 32)
	testRoom      = types.RoomID("!r:x")
)

// client is one device under test: a machine plus its store.
type client struct {
	user   types.UserID
	device types.DeviceID
	m      *machine.Machine
	store  *cryptostore.MemoryStore
}

// env is an in-process homeserver: it owns every client's uploaded
// keys and routes to-device traffic between them.
type env struct {
	t       *testing.T
	ctx     context.Context
	clients []*client

	deviceKeys map[types.UserID]map[types.DeviceID]types.DeviceKeys
	oneTime    map[types.UserID]map[types.DeviceID][]json.RawMessage
	inboxes    map[types.UserID]map[types.DeviceID][]event.ToDevice
}

func newEnv(t *testing.T) *env {
	return &env{
		t:          t,
		ctx:        context.Background(),
		deviceKeys: make(map[types.UserID]map[types.DeviceID]types.DeviceKeys),
		oneTime:    make(map[types.UserID]map[types.DeviceID][]json.RawMessage),
		inboxes:    make(map[types.UserID]map[types.DeviceID][]event.ToDevice),
	}
}

func (e *env) add(user types.UserID, device types.DeviceID) *client {
	store := cryptostore.NewMemoryStore()
	m, err := machine.New(e.ctx, user, device, store, testPickleKey, machine.Options{
		GossipPolicy: gossip.Policy{ShareToUnverifiedOwnDevices: true},
	})
	require.NoError(e.t, err)
	c := &client{user: user, device: device, m: m, store: store}
	e.clients = append(e.clients, c)
	if e.inboxes[user] == nil {
		e.inboxes[user] = make(map[types.DeviceID][]event.ToDevice)
	}
	e.inboxes[user][device] = nil
	return c
}

// removeDevice makes the server forget a device, so the next query
// reports it deleted.
func (e *env) removeDevice(user types.UserID, device types.DeviceID) {
	delete(e.deviceKeys[user], device)
	delete(e.oneTime[user], device)
}

// flush serves a client's outgoing requests until none remain,
// feeding each response back through MarkRequestAsSent.
func (e *env) flush(c *client) {
	for i := 0; i < 10; i++ {
		reqs, err := c.m.OutgoingRequests(e.ctx)
		require.NoError(e.t, err)
		if len(reqs) == 0 {
			return
		}
		for _, req := range reqs {
			resp := e.serve(c, req)
			require.NoError(e.t, c.m.MarkRequestAsSent(e.ctx, req.ID(), resp))
		}
	}
}

func (e *env) serve(c *client, req requests.OutgoingRequest) requests.Response {
	switch r := req.(type) {
	case *requests.KeysUploadRequest:
		if r.DeviceKeys != nil {
			if e.deviceKeys[c.user] == nil {
				e.deviceKeys[c.user] = make(map[types.DeviceID]types.DeviceKeys)
			}
			e.deviceKeys[c.user][c.device] = *r.DeviceKeys
		}
		if e.oneTime[c.user] == nil {
			e.oneTime[c.user] = make(map[types.DeviceID][]json.RawMessage)
		}
		for _, signed := range r.OneTimeKeys {
			e.oneTime[c.user][c.device] = append(e.oneTime[c.user][c.device], signed)
		}
		return &requests.KeysUploadResponse{OneTimeKeyCounts: map[string]int{
			"signed_curve25519": len(e.oneTime[c.user][c.device]),
		}}

	case *requests.KeysQueryRequest:
		resp := &requests.KeysQueryResponse{
			DeviceKeys: make(map[types.UserID]map[types.DeviceID]requests.QueriedDevice),
		}
		for user := range r.DeviceKeys {
			byDevice := make(map[types.DeviceID]requests.QueriedDevice)
			for deviceID, dk := range e.deviceKeys[user] {
				byDevice[deviceID] = requests.QueriedDevice{Keys: dk}
			}
			resp.DeviceKeys[user] = byDevice
		}
		return resp

	case *requests.KeysClaimRequest:
		resp := &requests.KeysClaimResponse{
			OneTimeKeys: make(map[types.UserID]map[types.DeviceID]requests.ClaimedKey),
		}
		for user, devices := range r.OneTimeKeys {
			for deviceID := range devices {
				pool := e.oneTime[user][deviceID]
				if len(pool) == 0 {
					continue
				}
				key := pool[0]
				e.oneTime[user][deviceID] = pool[1:]
				if resp.OneTimeKeys[user] == nil {
					resp.OneTimeKeys[user] = make(map[types.DeviceID]requests.ClaimedKey)
				}
				resp.OneTimeKeys[user][deviceID] = requests.ClaimedKey{Signed: key}
			}
		}
		return resp

	case *requests.ToDeviceRequest:
		for user, devices := range r.Messages {
			for deviceID, content := range devices {
				ev := event.ToDevice{Sender: c.user, Type: r.EventType, Content: content}
				if deviceID == "*" {
					for id := range e.inboxes[user] {
						if user == c.user && id == c.device {
							continue
						}
						e.inboxes[user][id] = append(e.inboxes[user][id], ev)
					}
					continue
				}
				e.inboxes[user][deviceID] = append(e.inboxes[user][deviceID], ev)
			}
		}
		return &requests.ToDeviceResponse{}

	case *requests.SigningKeysUploadRequest:
		return &requests.SigningKeysUploadResponse{}
	case *requests.SignatureUploadRequest:
		return &requests.SignatureUploadResponse{}
	default:
		e.t.Fatalf("unhandled request kind %s", req.Kind())
		return nil
	}
}

// deliver runs a sync for a client, feeding its inbox through
// ReceiveSyncChanges.
func (e *env) deliver(c *client, changedUsers ...types.UserID) []event.DecryptedToDevice {
	events := e.inboxes[c.user][c.device]
	e.inboxes[c.user][c.device] = nil
	results, err := c.m.ReceiveSyncChanges(e.ctx, events, changedUsers, nil, nil)
	require.NoError(e.t, err)
	return results
}

// share runs the claim-then-share cycle until the room key reaches
// every reachable device.
func (e *env) share(c *client, room types.RoomID, users []types.UserID) {
	for i := 0; i < 3; i++ {
		_, err := c.m.ShareGroupSession(e.ctx, room, users, groupsession.DefaultSettings())
		require.NoError(e.t, err)
		e.flush(c)
	}
}

func plaintextBody(t *testing.T, decrypted *event.DecryptedRoomEvent) string {
	t.Helper()
	var payload struct {
		Content struct {
			Body string `json:"body"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(decrypted.Plaintext, &payload))
	return payload.Content.Body
}

// TestBootstrapClaimAndSend is scenario 1: two fresh devices, key
// upload, query, claim, share, encrypt, decrypt.
func TestBootstrapClaimAndSend(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")
	bob := e.add("@b:x", "D2")

	e.flush(alice)
	e.flush(bob)

	e.share(alice, testRoom, []types.UserID{"@b:x"})
	e.deliver(bob)

	encrypted, err := alice.m.Encrypt(e.ctx, testRoom, "m.room.message", json.RawMessage(`{"body":"hi"}`))
	require.NoError(t, err)

	decrypted, err := bob.m.DecryptRoomEvent(e.ctx, &event.RoomEvent{
		EventID: "$1",
		RoomID:  testRoom,
		Sender:  "@a:x",
		Content: *encrypted,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", plaintextBody(t, decrypted))
	// Bob never queried Alice's devices, so the sender is unknown.
	assert.Equal(t, event.VerificationUnknownDevice, decrypted.Info.VerificationState)
}

// TestRotationOnDeparture is scenario 2: adding a device shares the
// existing session; losing one rotates.
func TestRotationOnDeparture(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")
	bob := e.add("@b:x", "D2")
	e.flush(alice)
	e.flush(bob)

	users := []types.UserID{"@a:x", "@b:x"}
	e.share(alice, testRoom, users)

	first, err := alice.m.Encrypt(e.ctx, testRoom, "m.room.message", json.RawMessage(`{"body":"one"}`))
	require.NoError(t, err)

	// A second Alice device joins: pure addition, no rotation.
	aliceD3 := e.add("@a:x", "D3")
	e.flush(aliceD3)
	e.deliver(alice, "@a:x")
	e.share(alice, testRoom, users)

	second, err := alice.m.Encrypt(e.ctx, testRoom, "m.room.message", json.RawMessage(`{"body":"two"}`))
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID, "pure addition must not rotate")

	stored, err := alice.store.LoadOutboundGroupSession(e.ctx, testRoom)
	require.NoError(t, err)
	sharedDevices := make(map[types.DeviceID]bool)
	for _, d := range stored.SharedWith {
		sharedDevices[d.DeviceID] = true
	}
	assert.True(t, sharedDevices["D2"])
	assert.True(t, sharedDevices["D3"])

	// Bob's device disappears: the recipient set shrank, so the next
	// share rotates and only D3 is re-keyed.
	e.removeDevice("@b:x", "D2")
	e.deliver(alice, "@b:x")
	e.flush(alice)
	e.share(alice, testRoom, users)

	third, err := alice.m.Encrypt(e.ctx, testRoom, "m.room.message", json.RawMessage(`{"body":"three"}`))
	require.NoError(t, err)
	assert.NotEqual(t, second.SessionID, third.SessionID, "departure must rotate")

	stored, err = alice.store.LoadOutboundGroupSession(e.ctx, testRoom)
	require.NoError(t, err)
	require.Len(t, stored.SharedWith, 1)
	assert.Equal(t, types.DeviceID("D3"), stored.SharedWith[0].DeviceID)
}

// TestGossipRecovery is scenario 3: a device without the room key
// requests it from its sibling and decrypts on the second attempt.
func TestGossipRecovery(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")
	bobA := e.add("@b:x", "D2a")
	e.flush(alice)
	e.flush(bobA)

	e.share(alice, testRoom, []types.UserID{"@b:x"})
	e.deliver(bobA)

	encrypted, err := alice.m.Encrypt(e.ctx, testRoom, "m.room.message", json.RawMessage(`{"body":"secret"}`))
	require.NoError(t, err)

	// D2b joins after the share and never got the key.
	bobB := e.add("@b:x", "D2b")
	e.flush(bobB)

	// D2a learns about its sibling and claims a session toward it, so
	// it can answer encrypted when the request comes.
	e.deliver(bobA, "@b:x")
	e.flush(bobA)

	ev := &event.RoomEvent{EventID: "$1", RoomID: testRoom, Sender: "@a:x", Content: *encrypted}
	_, err = bobB.m.DecryptRoomEvent(e.ctx, ev)
	require.Error(t, err)
	assert.True(t, machine.IsMissingRoomKey(err))

	// The request goes out to Bob's other devices; D2a honors it.
	e.flush(bobB)
	e.deliver(bobA)
	e.flush(bobA)

	// The forwarded key arrives and the retry succeeds.
	e.deliver(bobB)
	decrypted, err := bobB.m.DecryptRoomEvent(e.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "secret", plaintextBody(t, decrypted))
}

// TestWedgedSessionRecovery is scenario 4: garbage ciphertext marks
// the peer wedged, a fresh claim heals it.
func TestWedgedSessionRecovery(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")
	bob := e.add("@b:x", "D2")
	e.flush(alice)
	e.flush(bob)

	e.share(alice, testRoom, []types.UserID{"@b:x"})
	e.deliver(bob)

	bobKeys := e.deviceKeys["@b:x"]["D2"]
	bobCurve := types.Curve25519PublicKey(bobKeys.Keys[types.KeyID("curve25519:D2")])
	aliceKeys := e.deviceKeys["@a:x"]["D1"]
	aliceCurve := types.Curve25519PublicKey(aliceKeys.Keys[types.KeyID("curve25519:D1")])

	// A normal-type message no session can open: the ratchets have
	// diverged as far as Alice can tell.
	garbageBody, err := json.Marshal(map[string]interface{}{
		"header":     map[string]interface{}{"public_key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "pn": 0, "n": 0},
		"ciphertext": "Z2FyYmFnZQ",
	})
	require.NoError(t, err)
	garbage, err := json.Marshal(event.EncryptedToDeviceContent{
		Algorithm: event.AlgorithmOlm,
		SenderKey: bobCurve,
		Ciphertext: map[types.Curve25519PublicKey]event.OlmCiphertext{
			aliceCurve: {Type: 1, Body: base64Of(garbageBody)},
		},
	})
	require.NoError(t, err)

	results, err := alice.m.ReceiveSyncChanges(e.ctx, []event.ToDevice{{
		Sender:  "@b:x",
		Type:    event.TypeRoomEncrypted,
		Content: garbage,
	}}, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].DecryptError, "garbage must fail to decrypt")

	// Recovery: the next claim cycle includes Bob even though a
	// session already exists.
	poolBefore := len(e.oneTime["@b:x"]["D2"])
	e.flush(alice)
	assert.Equal(t, poolBefore-1, len(e.oneTime["@b:x"]["D2"]), "a fresh one-time key must be claimed")
	e.share(alice, testRoom, []types.UserID{"@b:x"})
	e.deliver(bob)

	encrypted, err := alice.m.Encrypt(e.ctx, testRoom, "m.room.message", json.RawMessage(`{"body":"healed"}`))
	require.NoError(t, err)
	decrypted, err := bob.m.DecryptRoomEvent(e.ctx, &event.RoomEvent{
		EventID: "$2", RoomID: testRoom, Sender: "@a:x", Content: *encrypted,
	})
	require.NoError(t, err)
	assert.Equal(t, "healed", plaintextBody(t, decrypted))
}

// TestSASVerificationTieBreak is scenario 5: both sides start
// simultaneously; the smaller (user, device) discards its start and
// both flows reach Done with matching emojis.
func TestSASVerificationTieBreak(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")
	bob := e.add("@b:x", "D2")
	e.flush(alice)
	e.flush(bob)

	// Each side needs the other's device keys to finish verification.
	e.deliver(alice, "@b:x")
	e.flush(alice)
	e.deliver(bob, "@a:x")
	e.flush(bob)

	flow := alice.m.Verification().RequestVerification("@b:x")
	e.flush(alice)
	e.deliver(bob)
	require.NoError(t, bob.m.Verification().AcceptRequest(flow.ID))
	e.flush(bob)
	e.deliver(alice)

	// Simultaneous start: both send before either receives.
	require.NoError(t, alice.m.Verification().StartSAS(flow.ID))
	require.NoError(t, bob.m.Verification().StartSAS(flow.ID))
	e.flush(alice)
	e.flush(bob)

	// Alice (smaller) discards her start and accepts Bob's; Bob
	// ignores Alice's.
	e.deliver(alice)
	e.deliver(bob)
	e.flush(alice)
	e.deliver(bob) // accept -> Bob sends his key
	e.flush(bob)
	e.deliver(alice) // Bob's key -> Alice replies with hers
	e.flush(alice)
	e.deliver(bob) // Alice's key -> commitment verified

	aliceEmojis, err := alice.m.Verification().Emojis(flow.ID)
	require.NoError(t, err)
	bobEmojis, err := bob.m.Verification().Emojis(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, aliceEmojis, bobEmojis, "both sides must display the same emojis")

	_, err = alice.m.Verification().Confirm(e.ctx, flow.ID)
	require.NoError(t, err)
	_, err = bob.m.Verification().Confirm(e.ctx, flow.ID)
	require.NoError(t, err)
	e.flush(alice)
	e.flush(bob)
	e.deliver(alice)
	e.deliver(bob)
	e.flush(alice)
	e.flush(bob)
	e.deliver(alice)
	e.deliver(bob)

	aliceFlow, ok := alice.m.Verification().GetFlow(flow.ID)
	require.True(t, ok)
	bobFlow, ok := bob.m.Verification().GetFlow(flow.ID)
	require.True(t, ok)
	assert.Equal(t, "done", aliceFlow.State.String())
	assert.Equal(t, "done", bobFlow.State.String())

	// Each side now trusts the other's device.
	bobDevice, err := alice.m.Identity().GetDevice(e.ctx, "@b:x", "D2")
	require.NoError(t, err)
	assert.True(t, alice.m.Identity().IsDeviceTrusted(e.ctx, bobDevice))
	aliceDevice, err := bob.m.Identity().GetDevice(e.ctx, "@a:x", "D1")
	require.NoError(t, err)
	assert.True(t, bob.m.Identity().IsDeviceTrusted(e.ctx, aliceDevice))
}

// TestImportDedup is scenario 6: an import with a lower first known
// index replaces the stored session; repeating it changes nothing.
func TestImportDedup(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")

	outbound, err := megolm.NewOutboundSession(testRoom)
	require.NoError(t, err)
	senderKey := types.Curve25519PublicKey("remote-sender-key")

	advance := func(n int) {
		for i := 0; i < n; i++ {
			_, err := outbound.Encrypt([]byte("x"))
			require.NoError(t, err)
		}
	}

	advance(10)
	atTen, err := outbound.InboundFromOutbound(senderKey)
	require.NoError(t, err)
	exportTen, err := atTen.ExportAtFirstKnownIndex()
	require.NoError(t, err)

	advance(40)
	atFifty, err := outbound.InboundFromOutbound(senderKey)
	require.NoError(t, err)
	exportFifty, err := atFifty.ExportAtFirstKnownIndex()
	require.NoError(t, err)

	result, err := alice.m.ImportKeys(e.ctx, []types.ExportedRoomKey{exportFifty}, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ImportedCount)

	// The backup entry starts 40 indices earlier: it wins.
	result, err = alice.m.ImportKeys(e.ctx, []types.ExportedRoomKey{exportTen}, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ImportedCount)

	stored, err := alice.store.LoadInboundGroupSession(e.ctx, testRoom, senderKey, exportTen.SessionID)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), stored.FirstKnownIndex)
	assert.True(t, stored.BackedUp)

	// Importing the same entry again is a no-op.
	result, err = alice.m.ImportKeys(e.ctx, []types.ExportedRoomKey{exportTen}, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ImportedCount)
}

// TestExportImportIdentity checks export_keys . import_keys is the
// identity on the session set.
func TestExportImportIdentity(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")
	bob := e.add("@b:x", "D2")
	e.flush(alice)
	e.flush(bob)
	e.share(alice, testRoom, []types.UserID{"@b:x"})
	e.deliver(bob)

	exported, err := bob.m.ExportKeys(e.ctx, nil)
	require.NoError(t, err)
	require.NotEmpty(t, exported)

	carol := e.add("@c:x", "D9")
	result, err := carol.m.ImportKeys(e.ctx, exported, false, nil)
	require.NoError(t, err)
	assert.Equal(t, len(exported), result.ImportedCount)

	reExported, err := carol.m.ExportKeys(e.ctx, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, exported, reExported)
}

// TestBootstrapCrossSigning covers bootstrap, status, signing, and
// the re-upload path.
func TestBootstrapCrossSigning(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")

	status := alice.m.CrossSigningStatus()
	assert.False(t, status.HasMaster)

	uploadKeys, uploadSigs, err := alice.m.BootstrapCrossSigning(e.ctx, false)
	require.NoError(t, err)
	require.NotNil(t, uploadKeys.MasterKey)
	require.NotNil(t, uploadSigs)

	status = alice.m.CrossSigningStatus()
	assert.True(t, status.HasMaster)
	assert.True(t, status.HasSelfSigning)
	assert.True(t, status.HasUserSigning)

	// Signing now carries both the device and the master signature.
	sigs := alice.m.Sign([]byte("message"))
	assert.Len(t, sigs["@a:x"], 2)

	// Re-bootstrapping without reset reuses the same master key.
	again, _, err := alice.m.BootstrapCrossSigning(e.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, uploadKeys.MasterKey.Keys, again.MasterKey.Keys)

	// Reset mints a fresh identity.
	fresh, _, err := alice.m.BootstrapCrossSigning(e.ctx, true)
	require.NoError(t, err)
	assert.NotEqual(t, uploadKeys.MasterKey.Keys, fresh.MasterKey.Keys)

	// Export/import round-trips the private seeds.
	export := alice.m.ExportCrossSigningKeys()
	require.NotNil(t, export)
	require.NoError(t, alice.m.ImportCrossSigningKeys(e.ctx, *export))
}

// TestAccountRestoredAcrossRestart checks the machine picks up its
// persisted account instead of minting a new identity.
func TestAccountRestoredAcrossRestart(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")
	e.flush(alice)
	keys := alice.m.Account().IdentityKeys()

	restarted, err := machine.New(e.ctx, "@a:x", "D1", alice.store, testPickleKey, machine.Options{})
	require.NoError(t, err)
	assert.Equal(t, keys, restarted.Account().IdentityKeys())
}

// TestEncryptWithoutSessionFails checks the explicit precondition on
// encrypt.
func TestEncryptWithoutSessionFails(t *testing.T) {
	e := newEnv(t)
	alice := e.add("@a:x", "D1")

	_, err := alice.m.Encrypt(e.ctx, testRoom, "m.room.message", json.RawMessage(`{"body":"x"}`))
	require.Error(t, err)
	assert.True(t, machine.IsMissingOutboundSession(err))
}

func base64Of(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}
