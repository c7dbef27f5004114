package signal

import (
	"context"
	"sync"
	"time"
)

// DedupStore is the fingerprint reservation primitive. Reserve must be
// a single atomic check-and-insert so two concurrent identical
// ingestions cannot both observe "not duplicate". Complete fills in
// the resolved outcome under an already-held reservation. Release
// drops a reservation whose ingestion failed so a retry of the same
// event is not mistaken for a duplicate.
type DedupStore interface {
	Reserve(ctx context.Context, fingerprint string, outcome *DedupOutcome, window time.Duration) (*DedupOutcome, bool, error)
	Complete(ctx context.Context, fingerprint string, outcome *DedupOutcome) error
	Release(ctx context.Context, fingerprint string) error
}

type memoryDedupEntry struct {
	outcome   DedupOutcome
	expiresAt time.Time
}

// MemoryDedupStore keeps reservations in process memory with a
// background sweep that drops expired entries. The clock is injected
// so tests control time.
type MemoryDedupStore struct {
	mu      sync.Mutex
	entries map[string]memoryDedupEntry
	now     func() time.Time
	done    chan struct{}
	stopped sync.Once
}

// NewMemoryDedupStore builds an in-memory dedup store.
func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{
		entries: make(map[string]memoryDedupEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// WithClock replaces the store's clock, for tests.
func (s *MemoryDedupStore) WithClock(now func() time.Time) *MemoryDedupStore {
	s.now = now
	return s
}

// Reserve inserts the fingerprint unless an unexpired entry exists.
func (s *MemoryDedupStore) Reserve(ctx context.Context, fingerprint string, outcome *DedupOutcome, window time.Duration) (*DedupOutcome, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if entry, ok := s.entries[fingerprint]; ok && entry.expiresAt.After(now) {
		existing := entry.outcome
		return &existing, false, nil
	}
	s.entries[fingerprint] = memoryDedupEntry{outcome: *outcome, expiresAt: now.Add(window)}
	return nil, true, nil
}

// Complete records the resolved outcome for a held reservation.
func (s *MemoryDedupStore) Complete(ctx context.Context, fingerprint string, outcome *DedupOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[fingerprint]
	if !ok {
		return nil
	}
	entry.outcome = *outcome
	s.entries[fingerprint] = entry
	return nil
}

// Release drops a held reservation.
func (s *MemoryDedupStore) Release(ctx context.Context, fingerprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fingerprint)
	return nil
}

// Start launches the periodic expiry sweep. Safe to run concurrently
// with Reserve.
func (s *MemoryDedupStore) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts the sweep. Idempotent.
func (s *MemoryDedupStore) Stop() {
	s.stopped.Do(func() { close(s.done) })
}

func (s *MemoryDedupStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for fingerprint, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			delete(s.entries, fingerprint)
		}
	}
}
