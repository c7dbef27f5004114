package signal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/signalmesh/signalmesh/core/fault"
)

type stubProvisioner struct {
	calls int
	fail  bool
}

func (p *stubProvisioner) ProvisionDefault(ctx context.Context, tenantID, source string) (string, error) {
	p.calls++
	if p.fail {
		return "", fmt.Errorf("provision failed")
	}
	return fmt.Sprintf("wf-default-%s-%s-%d", tenantID, source, p.calls), nil
}

func newTestRouter(t *testing.T) (*Router, *RedisStore, *stubProvisioner) {
	t.Helper()
	store, _ := newTestStore(t)
	provisioner := &stubProvisioner{}
	router := NewRouter(NewRegistry(), store, store, provisioner, WithDedupWindow(time.Hour))
	return router, store, provisioner
}

var owner = AuthContext{TenantID: "agency-1", ActorID: "user-1"}

func TestIngestRequiresTenant(t *testing.T) {
	router, _, _ := newTestRouter(t)
	_, err := router.IngestSignal(context.Background(), AuthContext{}, "manual", map[string]any{"foo": "bar"})
	if fault.CodeOf(err) != fault.CodeValidationFailed {
		t.Fatalf("expected validation_failed, got %v", err)
	}
}

func TestIngestUnknownSourceRejected(t *testing.T) {
	router, _, _ := newTestRouter(t)
	_, err := router.IngestSignal(context.Background(), owner, "telegraph", map[string]any{"foo": "bar"})
	if fault.CodeOf(err) != fault.CodeValidationFailed {
		t.Fatalf("expected validation_failed, got %v", err)
	}
}

func TestIngestBootstrapsDefaultWorkflow(t *testing.T) {
	router, store, provisioner := newTestRouter(t)
	ctx := context.Background()

	res, err := router.IngestSignal(ctx, owner, "manual", map[string]any{"foo": "bar"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.IsDuplicate {
		t.Fatal("first ingest must not be a duplicate")
	}
	if len(res.WorkflowsTriggered) != 1 {
		t.Fatalf("expected one bootstrapped workflow, got %v", res.WorkflowsTriggered)
	}
	if provisioner.calls != 1 {
		t.Fatalf("expected one provision call, got %d", provisioner.calls)
	}
	routes, err := store.ListRoutes(ctx, "agency-1", 10)
	if err != nil || len(routes) != 1 {
		t.Fatalf("expected one bootstrapped route: %+v %v", routes, err)
	}
	if routes[0].WorkflowID != res.WorkflowsTriggered[0] {
		t.Fatalf("route must target the bootstrapped workflow: %+v", routes[0])
	}
}

func TestIngestDuplicateInsideWindow(t *testing.T) {
	router, _, provisioner := newTestRouter(t)
	ctx := context.Background()
	payload := map[string]any{"foo": "bar"}

	first, err := router.IngestSignal(ctx, owner, "manual", payload)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	second, err := router.IngestSignal(ctx, owner, "manual", payload)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !second.IsDuplicate {
		t.Fatal("repeat ingest inside the window must be a duplicate")
	}
	if second.Signal == nil || second.Signal.ID != first.Signal.ID {
		t.Fatalf("duplicate must return the original signal: %+v", second.Signal)
	}
	if len(second.WorkflowsTriggered) != len(first.WorkflowsTriggered) {
		t.Fatalf("duplicate must return the original workflows: %v vs %v", second.WorkflowsTriggered, first.WorkflowsTriggered)
	}
	if provisioner.calls != 1 {
		t.Fatalf("duplicate ingest must not bootstrap again, got %d calls", provisioner.calls)
	}
}

func TestIngestDistinguishesPayloads(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx := context.Background()

	first, err := router.IngestSignal(ctx, owner, "manual", map[string]any{"foo": "bar"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	second, err := router.IngestSignal(ctx, owner, "manual", map[string]any{"foo": "baz"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if second.IsDuplicate {
		t.Fatal("different payloads must not collide")
	}
	if first.Signal.ID == second.Signal.ID {
		t.Fatal("expected distinct signals")
	}
}

func TestIngestTenantsDoNotCollide(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx := context.Background()
	payload := map[string]any{"foo": "bar"}

	if _, err := router.IngestSignal(ctx, owner, "manual", payload); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	other, err := router.IngestSignal(ctx, AuthContext{TenantID: "agency-2"}, "manual", payload)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if other.IsDuplicate {
		t.Fatal("dedup must be tenant-scoped")
	}
}

func TestIngestMatchesExplicitRoutes(t *testing.T) {
	router, store, provisioner := newTestRouter(t)
	ctx := context.Background()

	routes := []*SignalRoute{
		{ID: "r-1", TenantID: "agency-1", Source: "webhook", WorkflowID: "w-1"},
		{ID: "r-2", TenantID: "agency-1", Source: "webhook", WorkflowID: "w-2", Predicate: map[string]any{"event_type": "lead.created"}},
		{ID: "r-3", TenantID: "agency-1", Source: "webhook", WorkflowID: "w-1", Predicate: map[string]any{"event_type": "lead.created"}},
	}
	for _, route := range routes {
		if err := store.SaveRoute(ctx, route); err != nil {
			t.Fatalf("save route: %v", err)
		}
	}

	res, err := router.IngestSignal(ctx, owner, "webhook", map[string]any{"event": "lead.created"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.WorkflowsTriggered) != 2 {
		t.Fatalf("expected distinct workflow ids, got %v", res.WorkflowsTriggered)
	}
	if provisioner.calls != 0 {
		t.Fatal("matched routes must not bootstrap")
	}
}

func TestIngestNoBootstrapAfterSourceSeen(t *testing.T) {
	router, store, provisioner := newTestRouter(t)
	ctx := context.Background()

	route := &SignalRoute{ID: "r-1", TenantID: "agency-1", Source: "webhook", WorkflowID: "w-1", Predicate: map[string]any{"event_type": "lead.created"}}
	if err := store.SaveRoute(ctx, route); err != nil {
		t.Fatalf("save route: %v", err)
	}
	if _, err := router.IngestSignal(ctx, owner, "webhook", map[string]any{"event": "lead.created"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := router.IngestSignal(ctx, owner, "webhook", map[string]any{"event": "invoice.paid"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.WorkflowsTriggered) != 0 {
		t.Fatalf("unmatched signal after first sighting must trigger nothing, got %v", res.WorkflowsTriggered)
	}
	if provisioner.calls != 0 {
		t.Fatal("bootstrap applies only to a first-time source")
	}
}

func TestIngestBootstrapFailureIsInfrastructure(t *testing.T) {
	router, _, provisioner := newTestRouter(t)
	provisioner.fail = true
	_, err := router.IngestSignal(context.Background(), owner, "manual", map[string]any{"foo": "bar"})
	if fault.CodeOf(err) != fault.CodeInfrastructureFailure {
		t.Fatalf("expected infrastructure_failure, got %v", err)
	}
}

func TestCreateRouteCrossTenantDenied(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx := context.Background()

	_, err := router.CreateRoute(ctx, owner, &SignalRoute{TenantID: "agency-2", Source: "manual", WorkflowID: "w-1"})
	if fault.CodeOf(err) != fault.CodeAccessDenied {
		t.Fatalf("expected access_denied, got %v", err)
	}

	created, err := router.CreateRoute(ctx, AuthContext{TenantID: "ops", IsSuperAdmin: true}, &SignalRoute{TenantID: "agency-2", Source: "manual", WorkflowID: "w-1"})
	if err != nil {
		t.Fatalf("superadmin create: %v", err)
	}
	if created.ID == "" || created.TenantID != "agency-2" {
		t.Fatalf("unexpected route: %+v", created)
	}
}

func TestCreateRouteRequiresKnownSource(t *testing.T) {
	router, _, _ := newTestRouter(t)
	_, err := router.CreateRoute(context.Background(), owner, &SignalRoute{Source: "telegraph", WorkflowID: "w-1"})
	if fault.CodeOf(err) != fault.CodeValidationFailed {
		t.Fatalf("expected validation_failed, got %v", err)
	}
}

func TestDeleteRouteTenantScoped(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx := context.Background()

	created, err := router.CreateRoute(ctx, owner, &SignalRoute{Source: "manual", WorkflowID: "w-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = router.DeleteRoute(ctx, AuthContext{TenantID: "agency-2"}, created.ID)
	if fault.CodeOf(err) != fault.CodeAccessDenied {
		t.Fatalf("expected access_denied, got %v", err)
	}
	if err := router.DeleteRoute(ctx, owner, created.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	err = router.DeleteRoute(ctx, owner, created.ID)
	if fault.CodeOf(err) != fault.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestListRoutesTenantScoped(t *testing.T) {
	router, _, _ := newTestRouter(t)
	ctx := context.Background()

	if _, err := router.CreateRoute(ctx, owner, &SignalRoute{Source: "manual", WorkflowID: "w-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	routes, err := router.ListRoutes(ctx, AuthContext{TenantID: "agency-2"}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(routes) != 0 {
		t.Fatalf("listing must be tenant-scoped, got %+v", routes)
	}
}

func TestIngestRetryAfterFailedBootstrapSucceeds(t *testing.T) {
	router, store, provisioner := newTestRouter(t)
	ctx := context.Background()
	payload := map[string]any{"foo": "bar"}

	provisioner.fail = true
	if _, err := router.IngestSignal(ctx, owner, "manual", payload); fault.CodeOf(err) != fault.CodeInfrastructureFailure {
		t.Fatalf("expected infrastructure_failure, got %v", err)
	}

	provisioner.fail = false
	res, err := router.IngestSignal(ctx, owner, "manual", payload)
	if err != nil {
		t.Fatalf("retry after failed ingest: %v", err)
	}
	if res.IsDuplicate {
		t.Fatal("retry of a failed ingest must not be a duplicate")
	}
	if res.Signal == nil {
		t.Fatal("retry must persist the signal")
	}
	if len(res.WorkflowsTriggered) != 1 {
		t.Fatalf("retry must still bootstrap, got %v", res.WorkflowsTriggered)
	}
	if provisioner.calls != 2 {
		t.Fatalf("expected a second provision attempt, got %d", provisioner.calls)
	}
	routes, err := store.ListRoutes(ctx, "agency-1", 10)
	if err != nil || len(routes) != 1 {
		t.Fatalf("expected one bootstrapped route: %+v %v", routes, err)
	}
}
