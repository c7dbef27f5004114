package signal

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/signalmesh/signalmesh/core/fault"
	"github.com/signalmesh/signalmesh/core/infra/redisutil"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client, err := redisutil.NewClient("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	store := NewRedisStore(client)
	t.Cleanup(func() { store.Close() })
	return store, srv
}

func TestSignalImmutable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sig := &Signal{ID: "s-1", TenantID: "agency-1", Source: "manual", Payload: map[string]any{"foo": "bar"}}
	if err := store.SaveSignal(ctx, sig); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveSignal(ctx, &Signal{ID: "s-1", TenantID: "agency-1", Source: "manual"}); err == nil {
		t.Fatal("overwriting a persisted signal must fail")
	}

	loaded, err := store.GetSignal(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Payload["foo"] != "bar" {
		t.Fatalf("unexpected payload: %+v", loaded.Payload)
	}
}

func TestMatchingRoutesFiltersByPredicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	routes := []*SignalRoute{
		{ID: "r-1", TenantID: "agency-1", Source: "webhook", WorkflowID: "w-1"},
		{ID: "r-2", TenantID: "agency-1", Source: "webhook", WorkflowID: "w-2", Predicate: map[string]any{"event_type": "lead.created"}},
		{ID: "r-3", TenantID: "agency-1", Source: "form", WorkflowID: "w-3"},
		{ID: "r-4", TenantID: "agency-2", Source: "webhook", WorkflowID: "w-4"},
	}
	for _, route := range routes {
		if err := store.SaveRoute(ctx, route); err != nil {
			t.Fatalf("save route %s: %v", route.ID, err)
		}
	}

	matched, err := store.MatchingRoutes(ctx, "agency-1", "webhook", map[string]any{"event_type": "lead.created"})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected unpredicated + matching routes, got %d", len(matched))
	}

	matched, err = store.MatchingRoutes(ctx, "agency-1", "webhook", map[string]any{"event_type": "invoice.paid"})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "r-1" {
		t.Fatalf("expected only the unpredicated route, got %+v", matched)
	}
}

func TestDeleteRouteRemovesFromMatching(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	route := &SignalRoute{ID: "r-1", TenantID: "agency-1", Source: "manual", WorkflowID: "w-1"}
	if err := store.SaveRoute(ctx, route); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.DeleteRoute(ctx, "r-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	matched, err := store.MatchingRoutes(ctx, "agency-1", "manual", map[string]any{})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("deleted route must not match, got %+v", matched)
	}
	routes, err := store.ListRoutes(ctx, "agency-1", 10)
	if err != nil || len(routes) != 0 {
		t.Fatalf("deleted route must not list: %+v %v", routes, err)
	}
}

func TestMarkSourceSeenFirstOnlyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.MarkSourceSeen(ctx, "agency-1", "manual")
	if err != nil || !first {
		t.Fatalf("expected first sighting: %v %v", first, err)
	}
	first, err = store.MarkSourceSeen(ctx, "agency-1", "manual")
	if err != nil || first {
		t.Fatalf("expected repeat sighting: %v %v", first, err)
	}
	first, err = store.MarkSourceSeen(ctx, "agency-2", "manual")
	if err != nil || !first {
		t.Fatalf("seen set must be tenant-scoped: %v %v", first, err)
	}
}

func TestRedisDedupReserveAndComplete(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	existing, inserted, err := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-1"}, time.Hour)
	if err != nil || !inserted || existing != nil {
		t.Fatalf("first reserve should insert: %+v %v %v", existing, inserted, err)
	}
	if err := store.Complete(ctx, "fp-1", &DedupOutcome{SignalID: "s-1", WorkflowsTriggered: []string{"w-1"}}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	existing, inserted, err = store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-2"}, time.Hour)
	if err != nil || inserted {
		t.Fatalf("second reserve should be a duplicate: %v %v", inserted, err)
	}
	if existing == nil || existing.SignalID != "s-1" || len(existing.WorkflowsTriggered) != 1 {
		t.Fatalf("expected completed outcome, got %+v", existing)
	}

	srv.FastForward(2 * time.Hour)
	_, inserted, err = store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-3"}, time.Hour)
	if err != nil || !inserted {
		t.Fatalf("expired fingerprint should be reservable: %v %v", inserted, err)
	}
}

func TestRedisDedupCompleteWithoutReservationIsNoop(t *testing.T) {
	store, srv := newTestStore(t)
	if err := store.Complete(context.Background(), "fp-ghost", &DedupOutcome{SignalID: "s-1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if srv.Exists("sm:dedup:fp-ghost") {
		t.Fatal("complete must not create a reservation")
	}
}

func TestRedisDedupReleaseFreesFingerprint(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	if _, inserted, err := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-1"}, time.Hour); err != nil || !inserted {
		t.Fatalf("reserve: %v %v", inserted, err)
	}
	if err := store.Release(ctx, "fp-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if srv.Exists("sm:dedup:fp-1") {
		t.Fatal("release must drop the reservation")
	}
	if _, inserted, err := store.Reserve(ctx, "fp-1", &DedupOutcome{SignalID: "s-2"}, time.Hour); err != nil || !inserted {
		t.Fatalf("released fingerprint should be reservable again: %v %v", inserted, err)
	}
}

func TestGetSignalAndRouteMissingReportNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetSignal(ctx, "ghost"); fault.CodeOf(err) != fault.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if _, err := store.GetRoute(ctx, "ghost"); fault.CodeOf(err) != fault.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestUnmarkSourceSeenRestoresFirstSighting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if first, err := store.MarkSourceSeen(ctx, "agency-1", "webhook"); err != nil || !first {
		t.Fatalf("mark: %v %v", first, err)
	}
	if err := store.UnmarkSourceSeen(ctx, "agency-1", "webhook"); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	if first, err := store.MarkSourceSeen(ctx, "agency-1", "webhook"); err != nil || !first {
		t.Fatalf("unmarked source must count as first again: %v %v", first, err)
	}
}
