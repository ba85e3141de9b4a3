package manager

import (
	"context"
	"time"

	"github.com/nextstep/nextstep/pkg/event"
)

// Evict removes contexts without events since now minus InactivityTimeout,
// together with their buffers and pointers. Contexts in an episode are
// skipped. It returns the number of evicted contexts.
func (m *Manager) Evict(now time.Time) int {
	if m.cfg.InactivityTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.InactivityTimeout)
	evicted := 0
	m.contexts.each(func(key event.ContextKey, lc *learningContext) {
		if !lc.idleSince().Before(cutoff) || !lc.mu.TryLock() {
			return
		}
		defer lc.mu.Unlock()
		dropped := 0
		removed := m.contexts.removeIf(key, lc, func() bool {
			if !lc.idleSince().Before(cutoff) {
				return false
			}
			dropped = m.buffers.Drop(key)
			return true
		})
		if removed {
			evicted++
			m.logger.Debug("context evicted", "context", key.String(), "dropped_events", dropped)
		}
	})
	metricsRecorder().SetActiveContexts(m.contexts.len())
	if evicted > 0 {
		m.logger.Info("inactive contexts evicted", "count", evicted)
	}
	return evicted
}

// Start launches the eviction loop and, when a store is configured, the
// periodic snapshot loop. Calling Start twice has no effect.
func (m *Manager) Start(parent context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	if m.cfg.EvictionInterval > 0 {
		m.runLoop(ctx, "eviction", m.cfg.EvictionInterval, func(ctx context.Context) error {
			m.Evict(m.now())
			return nil
		})
	}
	if m.store != nil && m.cfg.SnapshotInterval > 0 {
		m.runLoop(ctx, "snapshot", m.cfg.SnapshotInterval, m.SaveSnapshots)
	}
}

func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					m.logger.Warn("background loop iteration failed", "loop", name, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the background loops and waits for them to exit.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.loopMu.Unlock()
	if cancel != nil {
		cancel()
		m.loops.Wait()
	}
}

// Close stops the loops and writes a final snapshot when a store is set.
// The store itself is owned by the caller.
func (m *Manager) Close(ctx context.Context) error {
	m.Stop()
	if m.store == nil {
		return nil
	}
	return m.SaveSnapshots(ctx)
}
