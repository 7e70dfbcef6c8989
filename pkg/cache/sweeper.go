package cache

import (
	"context"
	"time"
)

// Sweeper evicts expired entries on its own schedule, independent of any
// capture in flight.
type Sweeper struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration

	// OnSweep, when set, observes every completed sweep.
	OnSweep func(EvictStats, error)
}

// NewSweeper creates a sweeper that removes entries older than maxAge every
// interval. A non-positive interval sweeps only once.
func NewSweeper(store *Store, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, maxAge: maxAge, interval: interval}
}

// SweepOnce runs a single eviction pass.
func (w *Sweeper) SweepOnce() (EvictStats, error) {
	stats, err := w.store.EvictOlderThan(w.maxAge)
	if err != nil {
		w.store.log.Errorf("sweep failed: %v", err)
	} else if stats.Removed > 0 || stats.Failed > 0 {
		w.store.log.Infof("sweep: scanned=%d removed=%d failed=%d", stats.Scanned, stats.Removed, stats.Failed)
	}
	if w.OnSweep != nil {
		w.OnSweep(stats, err)
	}
	return stats, err
}

// Run sweeps immediately, then on every tick until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	w.SweepOnce()
	if w.interval <= 0 {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce()
		}
	}
}
