package lock

import (
	"context"
	"sync"
	"time"
)

// Beater throttles heartbeats for one lease. Beat may be called as often as
// progress arrives; Redis is written at most once per interval.
type Beater struct {
	mgr      *Manager
	lease    *Lease
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewBeater returns a Beater for lease writing at most once per interval.
// A non-positive interval uses DefaultBeatEvery.
func (m *Manager) NewBeater(lease *Lease, interval time.Duration) *Beater {
	if interval <= 0 {
		interval = DefaultBeatEvery
	}
	return &Beater{mgr: m, lease: lease, interval: interval}
}

// Beat refreshes the heartbeat unless one was written within the interval.
func (b *Beater) Beat(ctx context.Context) error {
	b.mu.Lock()
	now := b.mgr.now()
	if !b.last.IsZero() && now.Sub(b.last) < b.interval {
		b.mu.Unlock()
		return nil
	}
	b.last = now
	b.mu.Unlock()

	return b.mgr.Heartbeat(ctx, b.lease)
}
