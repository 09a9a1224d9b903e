// Package ttl tracks activity deadlines for verification flows:
// anything registered here that goes quiet past its idle timeout is
// reported for garbage collection.
package ttl

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryptomachine/e2eemachine/internal/logging"
)

// FlowState tracks one flow's activity and TTL status.
type FlowState struct {
	FlowID     string
	PeerUserID string
	LastActive time.Time
	CreatedAt  time.Time
	Labels     map[string]string
}

// Manager tracks idle flows for expiry.
type Manager struct {
	idleTimeout time.Duration
	flows       map[string]*FlowState
	mutex       sync.RWMutex
	logger      *logging.Logger
}

// NewManager creates a TTL manager with the given inactivity window.
func NewManager(idleTimeout time.Duration) *Manager {
	return &Manager{
		idleTimeout: idleTimeout,
		flows:       make(map[string]*FlowState),
		logger:      logging.Global().WithComponent("ttl"),
	}
}

// Register starts tracking a flow.
func (m *Manager) Register(flowID, peerUserID string, labels map[string]string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	m.flows[flowID] = &FlowState{
		FlowID:     flowID,
		PeerUserID: peerUserID,
		LastActive: now,
		CreatedAt:  now,
		Labels:     labels,
	}
}

// Unregister stops tracking a flow.
func (m *Manager) Unregister(flowID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.flows, flowID)
}

// Heartbeat marks a flow active now.
func (m *Manager) Heartbeat(flowID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	state, exists := m.flows[flowID]
	if !exists {
		return fmt.Errorf("flow not registered: %s", flowID)
	}
	state.LastActive = time.Now()
	return nil
}

// GetIdleTime returns how long a flow has been inactive.
func (m *Manager) GetIdleTime(flowID string) (time.Duration, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	state, exists := m.flows[flowID]
	if !exists {
		return 0, fmt.Errorf("flow not registered: %s", flowID)
	}
	return time.Since(state.LastActive), nil
}

// Expired returns every tracked flow past the idle timeout and stops
// tracking them; the caller owns whatever cleanup each flow needs.
func (m *Manager) Expired() []*FlowState {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var expired []*FlowState
	for id, state := range m.flows {
		if time.Since(state.LastActive) > m.idleTimeout {
			expired = append(expired, state)
			delete(m.flows, id)
			m.logger.Debug("flow expired",
				"flow_id", id, "idle", time.Since(state.LastActive).Round(time.Second).String())
		}
	}
	return expired
}

// Count returns how many flows are tracked.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.flows)
}

// ActiveFlows returns the IDs of every tracked flow.
func (m *Manager) ActiveFlows() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids := make([]string, 0, len(m.flows))
	for id := range m.flows {
		ids = append(ids, id)
	}
	return ids
}

// SetIdleTimeout changes the inactivity window for future checks.
func (m *Manager) SetIdleTimeout(timeout time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.idleTimeout = timeout
}

// GetIdleTimeout returns the current inactivity window.
func (m *Manager) GetIdleTimeout() time.Duration {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.idleTimeout
}
