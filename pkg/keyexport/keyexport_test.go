package keyexport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptomachine/e2eemachine/pkg/types"
)

var testKeys = []types.ExportedRoomKey{
	{
		Algorithm:       "m.megolm.v1.aes-sha2",
		RoomID:          "!room:example.org",
		SenderKey:       "sender-curve-key",
		SessionID:       "session-1",
		SessionKey:      "armored-session-key",
		FirstKnownIndex: 3,
		SenderClaimedKeys: map[string]string{
			"ed25519": "sender-ed-key",
		},
	},
	{
		Algorithm:  "m.megolm.v1.aes-sha2",
		RoomID:     "!other:example.org",
		SenderKey:  "sender-curve-key-2",
		SessionID:  "session-2",
		SessionKey: "armored-session-key-2",
	},
}

func TestRoundTrip(t *testing.T) {
	armored, err := Encrypt(testKeys, []byte("correct horse"), 1000)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(armored, HeaderLine))
	assert.Contains(t, armored, FooterLine)

	keys, err := Decrypt(armored, []byte("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, testKeys, keys)
}

func TestWrongPassphrase(t *testing.T) {
	armored, err := Encrypt(testKeys, []byte("correct horse"), 1000)
	require.NoError(t, err)

	_, err = Decrypt(armored, []byte("battery staple"))
	assert.ErrorIs(t, err, ErrBadPassphrase)
}

func TestMalformedContainer(t *testing.T) {
	_, err := Decrypt("not an export at all", []byte("x"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decrypt(HeaderLine+"\nAAAA\n"+FooterLine, []byte("x"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTamperedBodyRejected(t *testing.T) {
	armored, err := Encrypt(testKeys, []byte("correct horse"), 1000)
	require.NoError(t, err)

	lines := strings.Split(armored, "\n")
	// Flip a character in the first payload line.
	payload := []byte(lines[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	lines[1] = string(payload)
	_, err = Decrypt(strings.Join(lines, "\n"), []byte("correct horse"))
	assert.Error(t, err)
}

func TestDefaultRoundsApplied(t *testing.T) {
	armored, err := Encrypt(testKeys[:1], []byte("pass"), 0)
	require.NoError(t, err)
	keys, err := Decrypt(armored, []byte("pass"))
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
