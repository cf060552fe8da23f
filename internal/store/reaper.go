package store

import (
	"context"
	"log"
	"time"
)

// Reaper evicts expired entries on a fixed cadence. It never blocks
// message processing: in-flight entries are only collected once the
// hard ceiling (TTL + grace) passes.
type Reaper struct {
	store    *MemStore
	interval time.Duration
	grace    time.Duration
	batch    int
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReaper creates a reaper over the given store.
func NewReaper(store *MemStore, interval, grace time.Duration) *Reaper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if grace <= 0 {
		grace = 60 * time.Second
	}
	return &Reaper{
		store:    store,
		interval: interval,
		grace:    grace,
		batch:    100,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the reap loop until the context is cancelled or Stop is
// called. Blocks; run in a goroutine.
func (r *Reaper) Start(ctx context.Context) {
	defer close(r.doneCh)
	log.Printf("[Reaper] Starting with interval %v (grace %v)", r.interval, r.grace)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if n := r.store.EvictExpired(time.Now(), r.batch, r.grace); n > 0 {
				log.Printf("[Reaper] Evicted %d expired entries (size now %d)", n, r.store.Size())
			}
		}
	}
}

// Stop signals the loop to exit and waits for the current tick to drain.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}
