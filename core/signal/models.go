// Package signal ingests external events: adapter normalization,
// tenant-scoped deduplication, and route matching to workflows.
package signal

import "time"

// AuthContext is the caller identity handed down by the upstream
// authentication layer. Core operations authorize with it only.
type AuthContext struct {
	TenantID     string `json:"tenant_id"`
	ActorID      string `json:"actor_id,omitempty"`
	IsSuperAdmin bool   `json:"is_super_admin,omitempty"`
}

// Signal is one normalized, persisted event. Immutable once saved.
type Signal struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Source      string         `json:"source"`
	Payload     map[string]any `json:"payload"`
	Fingerprint string         `json:"fingerprint"`
	// WorkflowsTriggered records the route resolution at ingest time
	// so re-drives target the same workflows.
	WorkflowsTriggered []string  `json:"workflows_triggered,omitempty"`
	ReceivedAt         time.Time `json:"received_at"`
}

// SignalRoute maps (tenant, source) to a target workflow. Predicate,
// when set, further requires the named payload fields to equal the
// given values.
type SignalRoute struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Source     string         `json:"source"`
	Predicate  map[string]any `json:"predicate,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	CreatedBy  string         `json:"created_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Matches reports whether the route applies to a payload. An empty
// predicate matches everything for the route's source.
func (r *SignalRoute) Matches(payload map[string]any) bool {
	for field, want := range r.Predicate {
		got, ok := lookupField(payload, field)
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

// IngestResult is the outcome of one ingestion. Duplicate ingestion is
// a distinct outcome, not an error.
type IngestResult struct {
	Signal             *Signal  `json:"signal"`
	IsDuplicate        bool     `json:"is_duplicate"`
	WorkflowsTriggered []string `json:"workflows_triggered"`
}

// DedupOutcome is the value stored under a fingerprint reservation so
// a duplicate ingestion can return the originally resolved result.
type DedupOutcome struct {
	SignalID           string   `json:"signal_id"`
	WorkflowsTriggered []string `json:"workflows_triggered,omitempty"`
}
