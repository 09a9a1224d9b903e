package machine

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cryptomachine/e2eemachine/pkg/event"
)

// housekeeper runs the machine's periodic maintenance: expiring idle
// verification flows, aging out outbound group sessions, and checking
// fallback key staleness.
type housekeeper struct {
	cron *cron.Cron
}

// StartHousekeeping schedules background maintenance. Expired
// verification flows produce synthetic cancel events delivered to
// onCancelled (may be nil). Call Close to stop.
func (m *Machine) StartHousekeeping(rotationMaxAge time.Duration, onCancelled func([]event.ToDevice)) error {
	if m.housekeeper != nil {
		return nil
	}
	c := cron.New()

	if _, err := c.AddFunc("@every 1m", func() {
		cancelled := m.verification.GarbageCollect()
		if len(cancelled) > 0 && onCancelled != nil {
			onCancelled(cancelled)
		}
	}); err != nil {
		return err
	}

	if _, err := c.AddFunc("@every 5m", func() {
		if n := m.groups.InvalidateExpiredSessions(rotationMaxAge); n > 0 {
			m.log.Info("aged out outbound group sessions", "count", n)
		}
	}); err != nil {
		return err
	}

	// Fallback key staleness: if a fallback key exists but the server
	// never reported on it, mint a replacement so the next upload
	// carries fresh material.
	if _, err := c.AddFunc("@every 1h", func() {
		if rotated, err := m.account.EnsureFallbackKey(true); err == nil && rotated {
			m.log.Info("rotated stale fallback key")
		}
	}); err != nil {
		return err
	}

	c.Start()
	m.housekeeper = &housekeeper{cron: c}
	return nil
}

func (h *housekeeper) stop() {
	h.cron.Stop()
}
