// Package store provides the bounded in-memory message store at the heart
// of the gateway. Capacity rejection is the backpressure signal surfaced
// to inbound providers (HTTP 503 / SMTP 452); the reaper enforces the TTL
// ceiling so no message body outlives its processing window.
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthmail/gateway/internal/email"
)

var (
	// ErrCapacity is returned by Put when the store is full.
	ErrCapacity = errors.New("store at capacity")
	// ErrDuplicate is returned by Put when a live entry already holds the message id.
	ErrDuplicate = errors.New("duplicate message id")
	// ErrNotFound is returned when no live entry holds the message id.
	ErrNotFound = errors.New("message not found")
	// ErrAlreadyClaimed is returned by Claim when the entry left Pending.
	ErrAlreadyClaimed = errors.New("message already claimed")
	// ErrInvalidTransition is returned by UpdateState for illegal state changes.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// MemStore is a bounded map of message id → EphemeralEmail. All methods
// are safe for concurrent use. Writers that transform an entry must hold
// the claim (Analyzing/Delivering); Claim guarantees at most one worker
// per message.
type MemStore struct {
	mu       sync.Mutex
	entries  map[string]*email.EphemeralEmail
	capacity int

	puts      int64
	rejects   int64
	evictions int64
}

// New creates a store with the given capacity. Capacity must be positive.
func New(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemStore{
		entries:  make(map[string]*email.EphemeralEmail, capacity),
		capacity: capacity,
	}
}

// Put inserts a new entry. Returns ErrCapacity when full and ErrDuplicate
// when a live entry with the same message id exists.
func (s *MemStore) Put(e *email.EphemeralEmail) error {
	if e.MessageID == "" {
		return fmt.Errorf("empty message id")
	}
	if !e.TTLExpiresAt.After(e.ReceivedAt) {
		return fmt.Errorf("ttl_expires_at must be after received_at")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.MessageID]; exists {
		atomic.AddInt64(&s.rejects, 1)
		return ErrDuplicate
	}
	if len(s.entries) >= s.capacity {
		atomic.AddInt64(&s.rejects, 1)
		return ErrCapacity
	}

	s.entries[e.MessageID] = e
	atomic.AddInt64(&s.puts, 1)
	return nil
}

// Get returns a copy of the entry. The copy shares no mutable state with
// the stored entry, so readers never observe a worker's partial updates.
func (s *MemStore) Get(messageID string) (*email.EphemeralEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	cp.Headers = make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		cp.Headers[k] = v
	}
	return &cp, nil
}

// Claim atomically transitions Pending→Analyzing, granting the caller
// exclusive write access to the entry.
func (s *MemStore) Claim(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[messageID]
	if !ok {
		return ErrNotFound
	}
	if e.State != email.StatePending {
		return ErrAlreadyClaimed
	}
	e.State = email.StateAnalyzing
	return nil
}

// UpdateState moves the entry to a new state, enforcing the pipeline
// state machine.
func (s *MemStore) UpdateState(messageID string, to email.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[messageID]
	if !ok {
		return ErrNotFound
	}
	if !email.CanTransition(e.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, e.State, to)
	}
	e.State = to
	return nil
}

// Evict removes the entry regardless of state.
func (s *MemStore) Evict(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[messageID]; !ok {
		return ErrNotFound
	}
	delete(s.entries, messageID)
	atomic.AddInt64(&s.evictions, 1)
	return nil
}

// EvictExpired removes up to maxBatch entries whose TTL elapsed before
// now. Entries in Analyzing or Delivering are skipped until the hard
// ceiling (TTL + grace) passes, on the assumption that a worker holding
// an entry that long is hung.
func (s *MemStore) EvictExpired(now time.Time, maxBatch int, grace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		if evicted >= maxBatch {
			break
		}
		if !e.Expired(now) {
			continue
		}
		inFlight := e.State == email.StateAnalyzing || e.State == email.StateDelivering
		if inFlight && now.Before(e.TTLExpiresAt.Add(grace)) {
			continue
		}
		delete(s.entries, id)
		evicted++
	}
	atomic.AddInt64(&s.evictions, int64(evicted))
	return evicted
}

// Size returns the number of live entries.
func (s *MemStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Capacity returns the configured capacity.
func (s *MemStore) Capacity() int {
	return s.capacity
}

// Stats returns operational counters. No message content.
func (s *MemStore) Stats() map[string]int64 {
	return map[string]int64{
		"puts":      atomic.LoadInt64(&s.puts),
		"rejects":   atomic.LoadInt64(&s.rejects),
		"evictions": atomic.LoadInt64(&s.evictions),
		"size":      int64(s.Size()),
		"capacity":  int64(s.capacity),
	}
}
