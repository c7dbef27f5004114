package workflow

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/signalmesh/signalmesh/core/aigate"
	"github.com/signalmesh/signalmesh/core/fault"
	"github.com/signalmesh/signalmesh/core/infra/logging"
	"github.com/signalmesh/signalmesh/core/infra/metrics"
	"github.com/signalmesh/signalmesh/core/signal"
)

// RuleSource resolves a workflow's live rule.
type RuleSource interface {
	GetPublishedRule(ctx context.Context, workflowID string) (*Rule, error)
}

// ExecutionStore persists executions and their status projections.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutionsByStatus(ctx context.Context, tenantID string, status ExecStatus, limit int64) ([]*Execution, error)
	ListExecutionsBySignal(ctx context.Context, signalID string) ([]*Execution, error)
}

// SignalSource loads persisted signals for re-drives. A missing signal
// reports fault.CodeNotFound.
type SignalSource interface {
	GetSignal(ctx context.Context, id string) (*signal.Signal, error)
}

// Engine matches published rules against signal payloads and runs
// their actions in declared order.
type Engine struct {
	rules        RuleSource
	execs        ExecutionStore
	signals      SignalSource
	executor     *aigate.Executor
	notifier     Notifier
	records      RecordStore
	tasks        TaskStore
	metrics      metrics.Metrics
	defaultModel string
	maxAttempts  int
	baseBackoff  time.Duration
	sleep        func(time.Duration)
}

// EngineOption tunes an Engine.
type EngineOption func(*Engine)

// WithEngineRetry sets the per-action attempt budget and initial backoff.
func WithEngineRetry(maxAttempts int, baseBackoff time.Duration) EngineOption {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if baseBackoff > 0 {
			e.baseBackoff = baseBackoff
		}
	}
}

// WithEngineMetrics attaches a metrics sink.
func WithEngineMetrics(m metrics.Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithDefaultModel sets the model used when an AI action names none.
func WithDefaultModel(model string) EngineOption {
	return func(e *Engine) {
		if model != "" {
			e.defaultModel = model
		}
	}
}

// withEngineSleep replaces the backoff sleeper, for tests.
func withEngineSleep(fn func(time.Duration)) EngineOption {
	return func(e *Engine) { e.sleep = fn }
}

// NewEngine wires the engine with its collaborators.
func NewEngine(rules RuleSource, execs ExecutionStore, signals SignalSource, executor *aigate.Executor, notifier Notifier, records RecordStore, tasks TaskStore, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:        rules,
		execs:        execs,
		signals:      signals,
		executor:     executor,
		notifier:     notifier,
		records:      records,
		tasks:        tasks,
		metrics:      metrics.Noop{},
		defaultModel: "default",
		maxAttempts:  3,
		baseBackoff:  500 * time.Millisecond,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessSignal runs every requested workflow against the signal in
// parallel and returns exactly one summary per workflow ID. Workflows
// are mutually independent: one failure never affects another's record.
func (e *Engine) ProcessSignal(ctx context.Context, sig *signal.Signal, workflowIDs []string) []ExecutionSummary {
	summaries := make([]ExecutionSummary, len(workflowIDs))
	var wg sync.WaitGroup
	for i, workflowID := range workflowIDs {
		wg.Add(1)
		go func(i int, workflowID string) {
			defer wg.Done()
			summaries[i] = e.processWorkflow(ctx, sig, workflowID)
		}(i, workflowID)
	}
	wg.Wait()
	return summaries
}

func (e *Engine) processWorkflow(ctx context.Context, sig *signal.Signal, workflowID string) ExecutionSummary {
	summary := ExecutionSummary{WorkflowID: workflowID}

	rule, err := e.rules.GetPublishedRule(ctx, workflowID)
	if err != nil {
		summary.ErrorCode = fault.CodeInfrastructureFailure
		summary.Error = err.Error()
		return summary
	}
	if rule == nil {
		summary.Skipped = true
		summary.SkipReason = "no published rule version"
		return summary
	}
	if !Eval(rule.Condition, sig.Payload) {
		summary.Skipped = true
		summary.SkipReason = "condition not matched"
		return summary
	}

	exec := &Execution{
		TenantID:    sig.TenantID,
		WorkflowID:  workflowID,
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		SignalID:    sig.ID,
		Status:      ExecStatusPending,
	}
	if err := e.execs.CreateExecution(ctx, exec); err != nil {
		summary.ErrorCode = fault.CodeInfrastructureFailure
		summary.Error = err.Error()
		return summary
	}
	summary.ExecutionID = exec.ID

	started := time.Now().UTC()
	exec.Status = ExecStatusRunning
	exec.StartedAt = &started
	if err := e.execs.UpdateExecution(ctx, exec); err != nil {
		logging.Warn("engine", "execution transition failed", "execution", exec.ID, "error", err)
	}

	if actErr := e.runActions(ctx, sig, rule, exec); actErr != nil {
		completed := time.Now().UTC()
		exec.Status = ExecStatusFailed
		exec.CompletedAt = &completed
		exec.ErrorCode = fault.CodeOf(actErr)
		if exec.ErrorCode == "" {
			exec.ErrorCode = fault.CodeUpstreamFailure
		}
		exec.Error = actErr.Error()
		if err := e.execs.UpdateExecution(ctx, exec); err != nil {
			logging.Warn("engine", "execution transition failed", "execution", exec.ID, "error", err)
		}
		e.metrics.IncExecutions(string(ExecStatusFailed))
		summary.Status = ExecStatusFailed
		summary.ErrorCode = exec.ErrorCode
		summary.Error = exec.Error
		return summary
	}

	completed := time.Now().UTC()
	exec.Status = ExecStatusSucceeded
	exec.CompletedAt = &completed
	if err := e.execs.UpdateExecution(ctx, exec); err != nil {
		logging.Warn("engine", "execution transition failed", "execution", exec.ID, "error", err)
	}
	e.metrics.IncExecutions(string(ExecStatusSucceeded))
	summary.Status = ExecStatusSucceeded
	return summary
}

// runActions executes the rule's actions strictly in declared order.
// Retryable failures get bounded exponential backoff; the first
// terminal failure stops the list.
func (e *Engine) runActions(ctx context.Context, sig *signal.Signal, rule *Rule, exec *Execution) error {
	for _, action := range rule.Actions {
		var lastErr error
		for attempt := 1; attempt <= e.maxAttempts; attempt++ {
			exec.Attempts++
			started := time.Now()
			lastErr = e.runAction(ctx, sig.TenantID, action, sig.Payload)
			e.metrics.ObserveActionDuration(string(action.Kind), time.Since(started).Seconds())
			if lastErr == nil {
				break
			}
			if !retryableActionError(lastErr) {
				return lastErr
			}
			if attempt < e.maxAttempts {
				delay := computeBackoff(e.baseBackoff, attempt)
				logging.Warn("engine", "action failed, retrying", "execution", exec.ID, "kind", action.Kind, "attempt", attempt, "delay", delay, "error", lastErr)
				e.sleep(delay)
			}
		}
		if lastErr != nil {
			return lastErr
		}
	}
	return nil
}

// retryableActionError treats explicit fault markers first, then the
// provider-style classifier for plain collaborator errors.
func retryableActionError(err error) bool {
	var f *fault.Failure
	if errors.As(err, &f) && f != nil {
		return f.Retryable
	}
	return aigate.Retryable(err)
}

func computeBackoff(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

// RetrySignal re-drives a signal's previously triggered workflows.
// Cross-tenant callers are denied unless superadmin; the denial has
// zero execution side effects.
func (e *Engine) RetrySignal(ctx context.Context, authctx signal.AuthContext, signalID string) ([]ExecutionSummary, error) {
	if signalID == "" {
		return nil, fault.New(fault.CodeValidationFailed, "signal id required")
	}
	sig, err := e.signals.GetSignal(ctx, signalID)
	if err != nil {
		if fault.CodeOf(err) == fault.CodeNotFound {
			return nil, err
		}
		return nil, fault.Infrastructure(err, "load signal")
	}
	if sig.TenantID != authctx.TenantID && !authctx.IsSuperAdmin {
		return nil, fault.New(fault.CodeAccessDenied, "signal belongs to another tenant")
	}
	return e.ProcessSignal(ctx, sig, sig.WorkflowsTriggered), nil
}

// GetPendingSignals returns the caller's pending executions, newest first.
func (e *Engine) GetPendingSignals(ctx context.Context, authctx signal.AuthContext, limit int64) ([]*Execution, error) {
	return e.listByStatus(ctx, authctx, ExecStatusPending, limit)
}

// GetFailedSignals returns the caller's failed executions, newest first.
func (e *Engine) GetFailedSignals(ctx context.Context, authctx signal.AuthContext, limit int64) ([]*Execution, error) {
	return e.listByStatus(ctx, authctx, ExecStatusFailed, limit)
}

func (e *Engine) listByStatus(ctx context.Context, authctx signal.AuthContext, status ExecStatus, limit int64) ([]*Execution, error) {
	if authctx.TenantID == "" {
		return nil, fault.New(fault.CodeValidationFailed, "tenant id required")
	}
	execs, err := e.execs.ListExecutionsByStatus(ctx, authctx.TenantID, status, limit)
	if err != nil {
		return nil, fault.Infrastructure(err, "list executions")
	}
	return execs, nil
}
