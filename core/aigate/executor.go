package aigate

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/signalmesh/signalmesh/core/fault"
	"github.com/signalmesh/signalmesh/core/infra/logging"
	"github.com/signalmesh/signalmesh/core/infra/metrics"
	"github.com/signalmesh/signalmesh/core/infra/schema"
	"github.com/signalmesh/signalmesh/core/quota"
)

// Result is the structured outcome of a gated call. Failure paths carry
// a stable code and never increment usage.
type Result struct {
	Success   bool
	Data      map[string]any
	Embedding *Embedding
	Error     string
	ErrorCode fault.Code
}

func failure(code fault.Code, msg string) Result {
	return Result{Error: msg, ErrorCode: code}
}

// Executor mediates every provider call.
type Executor struct {
	provider    Provider
	governor    *quota.Governor
	metrics     metrics.Metrics
	callTimeout time.Duration
	maxAttempts int
	baseBackoff time.Duration
	sleep       func(time.Duration)
}

// Option tunes an Executor.
type Option func(*Executor)

// WithCallTimeout bounds each provider attempt.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithRetry sets the attempt budget and initial backoff.
func WithRetry(maxAttempts int, baseBackoff time.Duration) Option {
	return func(e *Executor) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if baseBackoff > 0 {
			e.baseBackoff = baseBackoff
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// withSleep replaces the backoff sleeper, for tests.
func withSleep(fn func(time.Duration)) Option {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor builds the gate around a provider and quota governor.
func NewExecutor(provider Provider, governor *quota.Governor, opts ...Option) *Executor {
	e := &Executor{
		provider:    provider,
		governor:    governor,
		metrics:     metrics.Noop{},
		callTimeout: 60 * time.Second,
		maxAttempts: 3,
		baseBackoff: 500 * time.Millisecond,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a schema-gated completion call:
// input validation, request quota, token quota, provider dispatch with
// classified retry, output schema validation, then usage increment.
func (e *Executor) Execute(ctx context.Context, reqctx RequestContext, req *CompletionRequest, outputSchema map[string]any) Result {
	if reqctx.TenantID == "" {
		return failure(fault.CodeValidationFailed, "tenant id required")
	}
	if req == nil || req.Prompt == "" {
		return failure(fault.CodeValidationFailed, "prompt required")
	}
	if req.Model == "" {
		return failure(fault.CodeValidationFailed, "model required")
	}

	check, err := e.governor.CheckRequestQuota(ctx, reqctx.TenantID, quota.CategoryAI)
	if err != nil {
		return failure(fault.CodeInfrastructureFailure, err.Error())
	}
	if !check.Allowed {
		e.metrics.IncQuotaRejected(string(quota.CategoryAI), string(fault.CodeAIQuotaRequestsExceeded))
		return failure(fault.CodeAIQuotaRequestsExceeded, check.Message)
	}

	estimated := EstimateTokens(req.System) + EstimateTokens(req.Prompt) + req.MaxTokens
	check, err = e.governor.CheckTokenQuota(ctx, reqctx.TenantID, quota.CategoryAI, estimated)
	if err != nil {
		return failure(fault.CodeInfrastructureFailure, err.Error())
	}
	if !check.Allowed {
		e.metrics.IncQuotaRejected(string(quota.CategoryAI), string(fault.CodeAIQuotaTokensExceeded))
		return failure(fault.CodeAIQuotaTokensExceeded, check.Message)
	}

	var completion *Completion
	callErr := e.withRetries(ctx, func(attemptCtx context.Context) error {
		var err error
		completion, err = e.provider.GenerateCompletion(attemptCtx, req)
		return err
	})
	if callErr != nil {
		e.metrics.IncAICalls(string(quota.CategoryAI), "upstream_failure")
		return failure(fault.CodeUpstreamFailure, callErr.Error())
	}

	if len(outputSchema) > 0 {
		if err := schema.ValidateMap(outputSchema, json.RawMessage(completion.Output)); err != nil {
			e.metrics.IncAICalls(string(quota.CategoryAI), "schema_violation")
			return failure(fault.CodeSchemaViolation, err.Error())
		}
	}

	var data map[string]any
	if len(completion.Output) > 0 {
		if err := json.Unmarshal(completion.Output, &data); err != nil {
			e.metrics.IncAICalls(string(quota.CategoryAI), "schema_violation")
			return failure(fault.CodeSchemaViolation, "provider output is not a JSON object: "+err.Error())
		}
	}

	if err := e.governor.IncrementUsage(ctx, reqctx.TenantID, quota.CategoryAI, completion.TokensUsed()); err != nil {
		return failure(fault.CodeInfrastructureFailure, err.Error())
	}

	e.metrics.IncAICalls(string(quota.CategoryAI), "success")
	return Result{Success: true, Data: data}
}

// ExecuteEmbeddingWithSchema runs a gated embedding call. The tenant's
// input-size ceiling is checked before any quota check or provider call.
func (e *Executor) ExecuteEmbeddingWithSchema(ctx context.Context, reqctx RequestContext, req *EmbeddingRequest, outputSchema map[string]any) Result {
	if reqctx.TenantID == "" {
		return failure(fault.CodeValidationFailed, "tenant id required")
	}
	if req == nil || req.Input == "" {
		return failure(fault.CodeValidationFailed, "embedding input required")
	}

	estimated := EstimateTokens(req.Input)
	if maxInput := e.governor.EmbeddingMaxInputTokens(reqctx.TenantID); maxInput > 0 && estimated > maxInput {
		return failure(fault.CodeEmbeddingInputTooLarge, "embedding input exceeds configured ceiling")
	}

	check, err := e.governor.CheckRequestQuota(ctx, reqctx.TenantID, quota.CategoryEmbedding)
	if err != nil {
		return failure(fault.CodeInfrastructureFailure, err.Error())
	}
	if !check.Allowed {
		e.metrics.IncQuotaRejected(string(quota.CategoryEmbedding), string(fault.CodeEmbQuotaRequestsExceeded))
		return failure(fault.CodeEmbQuotaRequestsExceeded, check.Message)
	}

	check, err = e.governor.CheckTokenQuota(ctx, reqctx.TenantID, quota.CategoryEmbedding, estimated)
	if err != nil {
		return failure(fault.CodeInfrastructureFailure, err.Error())
	}
	if !check.Allowed {
		e.metrics.IncQuotaRejected(string(quota.CategoryEmbedding), string(fault.CodeEmbQuotaTokensExceeded))
		return failure(fault.CodeEmbQuotaTokensExceeded, check.Message)
	}

	var embedding *Embedding
	callErr := e.withRetries(ctx, func(attemptCtx context.Context) error {
		var err error
		embedding, err = e.provider.GenerateEmbedding(attemptCtx, req.Input, req.Model)
		return err
	})
	if callErr != nil {
		e.metrics.IncAICalls(string(quota.CategoryEmbedding), "upstream_failure")
		return failure(fault.CodeUpstreamFailure, callErr.Error())
	}

	if len(outputSchema) > 0 {
		view := map[string]any{
			"embedding":   embedding.Vector,
			"token_count": embedding.TokenCount,
			"model":       embedding.Model,
			"provider":    embedding.Provider,
		}
		if err := schema.ValidateMap(outputSchema, view); err != nil {
			e.metrics.IncAICalls(string(quota.CategoryEmbedding), "schema_violation")
			return failure(fault.CodeSchemaViolation, err.Error())
		}
	}

	if err := e.governor.IncrementUsage(ctx, reqctx.TenantID, quota.CategoryEmbedding, embedding.TokenCount); err != nil {
		return failure(fault.CodeInfrastructureFailure, err.Error())
	}

	e.metrics.IncAICalls(string(quota.CategoryEmbedding), "success")
	return Result{Success: true, Embedding: embedding}
}

// withRetries dispatches fn with a per-attempt timeout, retrying only
// classified-retryable failures with exponential backoff.
func (e *Executor) withRetries(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		lastErr = fn(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt < e.maxAttempts {
			delay := time.Duration(float64(e.baseBackoff) * math.Pow(2, float64(attempt-1)))
			logging.Warn("aigate", "provider call failed, retrying", "attempt", attempt, "delay", delay, "error", lastErr)
			e.sleep(delay)
		}
	}
	return lastErr
}
