package taskmanager

import (
	"context"
	"log/slog"
	"time"
)

// maybeUnload arms the idle monitor once the last job is gone. At most
// one monitor runs at a time.
func (m *Manager) maybeUnload() {
	if m.total.Load() != 0 || m.unloading.Load() {
		return
	}
	if !m.idleArmed.CompareAndSwap(false, true) {
		return
	}
	if !m.spawn(m.idleMonitor) {
		m.idleArmed.Store(false)
	}
}

// idleMonitor polls until the manager stays idle for a full interval,
// then asks the platform to retire the service. Construct is refused
// from that point on.
func (m *Manager) idleMonitor(ctx context.Context) {
	defer m.idleArmed.Store(false)

	ticker := time.NewTicker(m.idleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !m.mu.TryLock() {
			continue
		}
		if m.total.Load() != 0 {
			m.mu.Unlock()
			continue
		}
		m.unloading.Store(true)
		m.mu.Unlock()

		m.logger.Info("service idle, unloading", slog.Int("service_id", int(m.serviceID)))
		if err := m.platform.UnloadThisService(m.serviceID); err != nil {
			m.logger.Error("unloading service failed",
				slog.Int("service_id", int(m.serviceID)),
				errAttr(err),
			)
			m.unloading.Store(false)
			return
		}
		m.testIdleUnloaded() // testing hook
		return
	}
}
