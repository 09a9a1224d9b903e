package ttl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndHeartbeat(t *testing.T) {
	m := NewManager(time.Minute)
	m.Register("flow-1", "@alice:example.org", nil)

	require.Equal(t, 1, m.Count())
	require.NoError(t, m.Heartbeat("flow-1"))

	idle, err := m.GetIdleTime("flow-1")
	require.NoError(t, err)
	assert.Less(t, idle, time.Second)
}

func TestHeartbeatUnknownFlow(t *testing.T) {
	m := NewManager(time.Minute)
	assert.Error(t, m.Heartbeat("missing"))
}

func TestExpired(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Register("flow-1", "@alice:example.org", map[string]string{"method": "sas"})
	m.Register("flow-2", "@bob:example.org", nil)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Heartbeat("flow-2"))

	expired := m.Expired()
	require.Len(t, expired, 1)
	assert.Equal(t, "flow-1", expired[0].FlowID)
	assert.Equal(t, "@alice:example.org", expired[0].PeerUserID)

	// Expired flows are unregistered; the live one remains.
	assert.Equal(t, 1, m.Count())
}

func TestExpiredIsEmptyWhileActive(t *testing.T) {
	m := NewManager(time.Minute)
	m.Register("flow-1", "@alice:example.org", nil)
	assert.Empty(t, m.Expired())
}

func TestUnregister(t *testing.T) {
	m := NewManager(time.Minute)
	m.Register("flow-1", "@alice:example.org", nil)
	m.Unregister("flow-1")
	assert.Equal(t, 0, m.Count())
}

func TestSetIdleTimeout(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetIdleTimeout(time.Hour)
	assert.Equal(t, time.Hour, m.GetIdleTimeout())
}

func TestActiveFlows(t *testing.T) {
	m := NewManager(time.Minute)
	m.Register("a", "@a:x", nil)
	m.Register("b", "@b:x", nil)
	assert.ElementsMatch(t, []string{"a", "b"}, m.ActiveFlows())
}
