package signal

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryDedupReserveOnceInsideWindow(t *testing.T) {
	current := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	store := NewMemoryDedupStore().WithClock(func() time.Time { return current })
	ctx := context.Background()

	existing, inserted, err := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-1"}, time.Hour)
	if err != nil || !inserted || existing != nil {
		t.Fatalf("first reserve should insert: %+v %v %v", existing, inserted, err)
	}

	existing, inserted, err = store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-2"}, time.Hour)
	if err != nil || inserted {
		t.Fatalf("second reserve should be a duplicate: %v %v", inserted, err)
	}
	if existing == nil || existing.SignalID != "s-1" {
		t.Fatalf("expected original outcome, got %+v", existing)
	}
}

func TestMemoryDedupExpiry(t *testing.T) {
	current := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	store := NewMemoryDedupStore().WithClock(func() time.Time { return current })
	ctx := context.Background()

	if _, inserted, _ := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-1"}, time.Hour); !inserted {
		t.Fatal("expected insert")
	}
	current = current.Add(2 * time.Hour)
	if _, inserted, _ := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-2"}, time.Hour); !inserted {
		t.Fatal("expired entry should be reservable again")
	}
}

func TestMemoryDedupCompleteUpdatesOutcome(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	if _, inserted, _ := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-1"}, time.Hour); !inserted {
		t.Fatal("expected insert")
	}
	if err := store.Complete(ctx, "fp-1", &DedupOutcome{SignalID: "s-1", WorkflowsTriggered: []string{"w-1"}}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	existing, _, err := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-2"}, time.Hour)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if existing == nil || len(existing.WorkflowsTriggered) != 1 || existing.WorkflowsTriggered[0] != "w-1" {
		t.Fatalf("expected completed outcome, got %+v", existing)
	}
}

func TestMemoryDedupSweepRemovesExpired(t *testing.T) {
	current := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	store := NewMemoryDedupStore().WithClock(func() time.Time { return current })
	ctx := context.Background()

	store.Reserve(ctx, "fp-old", &DedupOutcome{SignalID: "s-1"}, time.Minute)
	store.Reserve(ctx, "fp-new", &DedupOutcome{SignalID: "s-2"}, time.Hour)

	current = current.Add(30 * time.Minute)
	store.sweep()

	store.mu.Lock()
	_, oldLeft := store.entries["fp-old"]
	_, newLeft := store.entries["fp-new"]
	store.mu.Unlock()
	if oldLeft || !newLeft {
		t.Fatalf("sweep should drop only expired entries: old=%v new=%v", oldLeft, newLeft)
	}
}

func TestMemoryDedupConcurrentReserveSingleWinner(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	inserts := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, inserted, err := store.Reserve(ctx, "fp-race", &DedupOutcome{SignalID: "s"}, time.Hour)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if inserted {
				mu.Lock()
				inserts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if inserts != 1 {
		t.Fatalf("exactly one reservation must win, got %d", inserts)
	}
}

func TestMemoryDedupStopIdempotent(t *testing.T) {
	store := NewMemoryDedupStore()
	store.Start(time.Millisecond)
	store.Stop()
	store.Stop()
}

func TestMemoryDedupReleaseFreesFingerprint(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	if _, inserted, _ := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-1"}, time.Hour); !inserted {
		t.Fatal("expected insert")
	}
	if err := store.Release(ctx, "fp-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, inserted, _ := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-2"}, time.Hour); !inserted {
		t.Fatal("released fingerprint should be reservable again")
	}
}
