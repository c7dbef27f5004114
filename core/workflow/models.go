// Package workflow evaluates rule conditions against signal payloads
// and executes ordered actions, recording one execution per match.
package workflow

import (
	"time"

	"github.com/signalmesh/signalmesh/core/fault"
)

// RuleStatus is the lifecycle of a rule version.
type RuleStatus string

const (
	RuleStatusDraft     RuleStatus = "draft"
	RuleStatusPublished RuleStatus = "published"
	RuleStatusArchived  RuleStatus = "archived"
)

// ConditionType tags a node in the condition tree.
type ConditionType string

const (
	ConditionComparison ConditionType = "comparison"
	ConditionAnd        ConditionType = "and"
	ConditionOr         ConditionType = "or"
	ConditionNot        ConditionType = "not"
)

// Operator is a comparison operator over payload fields.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

// Condition is a tagged-union node: a comparison leaf or a boolean
// combinator. A nil condition matches every payload.
type Condition struct {
	Type     ConditionType `json:"type"`
	Field    string        `json:"field,omitempty"`
	Op       Operator      `json:"op,omitempty"`
	Value    any           `json:"value,omitempty"`
	Children []*Condition  `json:"children,omitempty"`
	Child    *Condition    `json:"child,omitempty"`
}

// ActionKind is the closed set of action types. Dispatch is an
// exhaustive switch; adding a kind without a handler is a build-time
// review item, not a silent default.
type ActionKind string

const (
	ActionCreateNotification ActionKind = "create-notification"
	ActionUpdateRecord       ActionKind = "update-record"
	ActionCreateTask         ActionKind = "create-task"
	ActionInvokeAIAnalysis   ActionKind = "invoke-ai-analysis"
)

// KnownActionKind reports whether kind is in the closed set.
func KnownActionKind(kind ActionKind) bool {
	switch kind {
	case ActionCreateNotification, ActionUpdateRecord, ActionCreateTask, ActionInvokeAIAnalysis:
		return true
	}
	return false
}

// Action is one step of a rule, executed in declared order.
type Action struct {
	Kind   ActionKind     `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Rule is one version of a workflow's condition and action list.
type Rule struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	WorkflowID string     `json:"workflow_id"`
	Name       string     `json:"name,omitempty"`
	Version    int        `json:"version"`
	Condition  *Condition `json:"condition,omitempty"`
	Actions    []Action   `json:"actions"`
	Status     RuleStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ExecStatus is the execution lifecycle. Terminal states are final;
// re-drives create new executions.
type ExecStatus string

const (
	ExecStatusPending   ExecStatus = "pending"
	ExecStatusRunning   ExecStatus = "running"
	ExecStatusSucceeded ExecStatus = "succeeded"
	ExecStatusFailed    ExecStatus = "failed"
)

// IsTerminal reports whether a status permits no further transitions.
func (s ExecStatus) IsTerminal() bool {
	return s == ExecStatusSucceeded || s == ExecStatusFailed
}

// Execution is one attempt to run a rule's actions against one signal.
type Execution struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	WorkflowID  string     `json:"workflow_id"`
	RuleID      string     `json:"rule_id"`
	RuleVersion int        `json:"rule_version"`
	SignalID    string     `json:"signal_id"`
	Status      ExecStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	ErrorCode   fault.Code `json:"error_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ExecutionSummary is the per-workflow outcome of processing one
// signal. Exactly one summary is produced per requested workflow.
type ExecutionSummary struct {
	WorkflowID  string     `json:"workflow_id"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Status      ExecStatus `json:"status,omitempty"`
	Skipped     bool       `json:"skipped,omitempty"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	ErrorCode   fault.Code `json:"error_code,omitempty"`
	Error       string     `json:"error,omitempty"`
}
