package signal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/signalmesh/signalmesh/core/fault"
	"github.com/signalmesh/signalmesh/core/infra/logging"
	"github.com/signalmesh/signalmesh/core/infra/metrics"
)

// Store is the persistence the router needs: signals, routes, the
// route-matching query and the first-seen marker. GetSignal and
// GetRoute report missing entries with fault.CodeNotFound.
type Store interface {
	SaveSignal(ctx context.Context, sig *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	SaveRoute(ctx context.Context, route *SignalRoute) error
	GetRoute(ctx context.Context, id string) (*SignalRoute, error)
	DeleteRoute(ctx context.Context, id string) error
	ListRoutes(ctx context.Context, tenantID string, limit int64) ([]*SignalRoute, error)
	MatchingRoutes(ctx context.Context, tenantID, source string, payload map[string]any) ([]*SignalRoute, error)
	MarkSourceSeen(ctx context.Context, tenantID, source string) (bool, error)
	UnmarkSourceSeen(ctx context.Context, tenantID, source string) error
}

// WorkflowProvisioner creates the default pass-through workflow rule
// used when a first-time (tenant, source) arrives with no routes.
type WorkflowProvisioner interface {
	ProvisionDefault(ctx context.Context, tenantID, source string) (string, error)
}

// Router ingests normalized signals: dedup, persistence, route
// matching and first-time bootstrap.
type Router struct {
	adapters    *Registry
	store       Store
	dedup       DedupStore
	provisioner WorkflowProvisioner
	window      time.Duration
	metrics     metrics.Metrics
}

// RouterOption tunes a Router.
type RouterOption func(*Router)

// WithDedupWindow overrides the fingerprint reservation window.
func WithDedupWindow(window time.Duration) RouterOption {
	return func(r *Router) {
		if window > 0 {
			r.window = window
		}
	}
}

// WithRouterMetrics attaches a metrics sink.
func WithRouterMetrics(m metrics.Metrics) RouterOption {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRouter wires the router. provisioner may be nil, which disables
// first-time bootstrap.
func NewRouter(adapters *Registry, store Store, dedup DedupStore, provisioner WorkflowProvisioner, opts ...RouterOption) *Router {
	r := &Router{
		adapters:    adapters,
		store:       store,
		dedup:       dedup,
		provisioner: provisioner,
		window:      24 * time.Hour,
		metrics:     metrics.Noop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SupportedSources lists the sources the router accepts, sorted.
func (r *Router) SupportedSources() []string {
	return r.adapters.SupportedSources()
}

// IngestSignal normalizes, deduplicates, persists and routes one raw
// event. Duplicate ingestion inside the window returns the original
// outcome with IsDuplicate set and performs no further side effects.
// Dedup store failures surface as infrastructure errors, never as
// "not duplicate".
func (r *Router) IngestSignal(ctx context.Context, authctx AuthContext, source string, raw map[string]any) (*IngestResult, error) {
	if authctx.TenantID == "" {
		return nil, fault.New(fault.CodeValidationFailed, "tenant id required")
	}
	if !r.adapters.HasAdapter(source) {
		return nil, fault.New(fault.CodeValidationFailed, "unsupported signal source %q", source)
	}
	payload, err := r.adapters.Normalize(source, raw)
	if err != nil {
		return nil, err
	}
	fingerprint, err := Fingerprint(authctx.TenantID, source, payload)
	if err != nil {
		return nil, fault.Wrap(fault.CodeValidationFailed, err, "fingerprint payload")
	}

	signalID := uuid.NewString()
	existing, inserted, err := r.dedup.Reserve(ctx, fingerprint, &DedupOutcome{SignalID: signalID}, r.window)
	if err != nil {
		return nil, fault.Infrastructure(err, "dedup reservation failed")
	}
	if !inserted {
		r.metrics.IncSignalsDuplicate(source)
		return r.duplicateResult(ctx, existing)
	}

	triggered, err := r.resolveWorkflows(ctx, authctx.TenantID, source, payload)
	if err != nil {
		r.releaseReservation(ctx, fingerprint)
		return nil, err
	}

	sig := &Signal{
		ID:                 signalID,
		TenantID:           authctx.TenantID,
		Source:             source,
		Payload:            payload,
		Fingerprint:        fingerprint,
		WorkflowsTriggered: triggered,
		ReceivedAt:         time.Now().UTC(),
	}
	if err := r.store.SaveSignal(ctx, sig); err != nil {
		r.releaseReservation(ctx, fingerprint)
		return nil, fault.Infrastructure(err, "persist signal")
	}
	if err := r.dedup.Complete(ctx, fingerprint, &DedupOutcome{SignalID: signalID, WorkflowsTriggered: triggered}); err != nil {
		logging.Warn("router", "dedup outcome update failed", "fingerprint", fingerprint, "error", err)
	}

	r.metrics.IncSignalsIngested(source)
	return &IngestResult{Signal: sig, WorkflowsTriggered: triggered}, nil
}

// releaseReservation frees a held fingerprint after a failed ingest so
// the retry is not mistaken for a duplicate. Best effort: a leftover
// reservation ages out with the window.
func (r *Router) releaseReservation(ctx context.Context, fingerprint string) {
	if err := r.dedup.Release(ctx, fingerprint); err != nil {
		logging.Warn("router", "dedup release failed", "fingerprint", fingerprint, "error", err)
	}
}

func (r *Router) duplicateResult(ctx context.Context, outcome *DedupOutcome) (*IngestResult, error) {
	result := &IngestResult{IsDuplicate: true}
	if outcome == nil {
		return result, nil
	}
	result.WorkflowsTriggered = outcome.WorkflowsTriggered
	if outcome.SignalID != "" {
		sig, err := r.store.GetSignal(ctx, outcome.SignalID)
		switch {
		case err == nil:
			result.Signal = sig
		case fault.CodeOf(err) == fault.CodeNotFound:
			// Original signal aged out of retention; the duplicate
			// verdict still stands.
		default:
			return nil, fault.Infrastructure(err, "load original signal")
		}
	}
	return result, nil
}

// resolveWorkflows matches routes and bootstraps a default workflow
// for a first-time (tenant, source) with no routes.
func (r *Router) resolveWorkflows(ctx context.Context, tenantID, source string, payload map[string]any) ([]string, error) {
	routes, err := r.store.MatchingRoutes(ctx, tenantID, source, payload)
	if err != nil {
		return nil, fault.Infrastructure(err, "match routes")
	}
	firstSeen, err := r.store.MarkSourceSeen(ctx, tenantID, source)
	if err != nil {
		return nil, fault.Infrastructure(err, "mark source seen")
	}

	triggered := distinctWorkflowIDs(routes)
	if len(triggered) > 0 || !firstSeen || r.provisioner == nil {
		return triggered, nil
	}

	workflowID, err := r.provisioner.ProvisionDefault(ctx, tenantID, source)
	if err != nil {
		r.unmarkSourceSeen(ctx, tenantID, source)
		return nil, fault.Infrastructure(err, "bootstrap default workflow")
	}
	route := &SignalRoute{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Source:     source,
		WorkflowID: workflowID,
		CreatedBy:  "bootstrap",
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.SaveRoute(ctx, route); err != nil {
		r.unmarkSourceSeen(ctx, tenantID, source)
		return nil, fault.Infrastructure(err, "bootstrap default route")
	}
	logging.Info("router", "bootstrapped default workflow", "tenant", tenantID, "source", source, "workflow", workflowID)
	return []string{workflowID}, nil
}

// unmarkSourceSeen rolls back the first-sighting claim after a failed
// bootstrap so the retry is still eligible to bootstrap.
func (r *Router) unmarkSourceSeen(ctx context.Context, tenantID, source string) {
	if err := r.store.UnmarkSourceSeen(ctx, tenantID, source); err != nil {
		logging.Warn("router", "unmark source seen failed", "tenant", tenantID, "source", source, "error", err)
	}
}

func distinctWorkflowIDs(routes []*SignalRoute) []string {
	seen := make(map[string]struct{}, len(routes))
	out := make([]string, 0, len(routes))
	for _, route := range routes {
		if _, dup := seen[route.WorkflowID]; dup {
			continue
		}
		seen[route.WorkflowID] = struct{}{}
		out = append(out, route.WorkflowID)
	}
	return out
}

// CreateRoute persists a tenant route. Cross-tenant creation requires
// superadmin; the source must have a registered adapter.
func (r *Router) CreateRoute(ctx context.Context, authctx AuthContext, route *SignalRoute) (*SignalRoute, error) {
	if authctx.TenantID == "" && !authctx.IsSuperAdmin {
		return nil, fault.New(fault.CodeValidationFailed, "tenant id required")
	}
	if route == nil || route.Source == "" || route.WorkflowID == "" {
		return nil, fault.New(fault.CodeValidationFailed, "route source and workflow id required")
	}
	if route.TenantID == "" {
		route.TenantID = authctx.TenantID
	}
	if route.TenantID != authctx.TenantID && !authctx.IsSuperAdmin {
		return nil, fault.New(fault.CodeAccessDenied, "cannot create route for another tenant")
	}
	if !r.adapters.HasAdapter(route.Source) {
		return nil, fault.New(fault.CodeValidationFailed, "unsupported signal source %q", route.Source)
	}
	if route.ID == "" {
		route.ID = uuid.NewString()
	}
	if route.CreatedBy == "" {
		route.CreatedBy = authctx.ActorID
	}
	route.CreatedAt = time.Now().UTC()
	if err := r.store.SaveRoute(ctx, route); err != nil {
		return nil, fault.Infrastructure(err, "persist route")
	}
	return route, nil
}

// DeleteRoute removes a route. Cross-tenant deletion requires superadmin.
func (r *Router) DeleteRoute(ctx context.Context, authctx AuthContext, routeID string) error {
	if routeID == "" {
		return fault.New(fault.CodeValidationFailed, "route id required")
	}
	route, err := r.store.GetRoute(ctx, routeID)
	if err != nil {
		if fault.CodeOf(err) == fault.CodeNotFound {
			return err
		}
		return fault.Infrastructure(err, "load route")
	}
	if route.TenantID != authctx.TenantID && !authctx.IsSuperAdmin {
		return fault.New(fault.CodeAccessDenied, "cannot delete route owned by another tenant")
	}
	if err := r.store.DeleteRoute(ctx, routeID); err != nil {
		return fault.Infrastructure(err, "delete route")
	}
	return nil
}

// ListRoutes returns the caller's routes, newest first.
func (r *Router) ListRoutes(ctx context.Context, authctx AuthContext, limit int64) ([]*SignalRoute, error) {
	if authctx.TenantID == "" {
		return nil, fault.New(fault.CodeValidationFailed, "tenant id required")
	}
	routes, err := r.store.ListRoutes(ctx, authctx.TenantID, limit)
	if err != nil {
		return nil, fault.Infrastructure(err, "list routes")
	}
	return routes, nil
}
