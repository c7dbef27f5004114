// Package quota is the per-tenant usage ledger for AI and embedding
// calls. Checks are side-effect free; increments are atomic counter
// updates performed only by the hardened executor after a confirmed
// successful provider response.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalmesh/signalmesh/core/fault"
	"github.com/signalmesh/signalmesh/core/infra/config"
)

// Category separates completion and embedding ledgers.
type Category string

const (
	CategoryAI        Category = "ai"
	CategoryEmbedding Category = "embedding"
)

// counter keys outlive the active period so a late read of last month's
// usage still resolves, then expire.
const counterTTL = 62 * 24 * time.Hour

// CheckResult reports whether a call may proceed.
type CheckResult struct {
	Allowed bool
	Message string
}

// Usage is a point-in-time view of one tenant/category ledger.
type Usage struct {
	Period   string
	Requests int64
	Tokens   int64
}

// Governor enforces per-tenant request and token ceilings per period.
type Governor struct {
	client redis.UniversalClient
	limits *config.Limits
	now    func() time.Time
}

// NewGovernor builds a governor over a shared Redis client and limit set.
func NewGovernor(client redis.UniversalClient, limits *config.Limits) *Governor {
	return &Governor{client: client, limits: limits, now: time.Now}
}

// WithClock overrides the period clock, for tests.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	if now != nil {
		g.now = now
	}
	return g
}

// CheckRequestQuota reports whether one more request fits under the
// tenant's per-period request ceiling. No side effects.
func (g *Governor) CheckRequestQuota(ctx context.Context, tenantID string, category Category) (CheckResult, error) {
	if tenantID == "" {
		return CheckResult{}, fault.New(fault.CodeValidationFailed, "tenant id required")
	}
	ceiling := g.requestCeiling(tenantID, category)
	used, err := g.counter(ctx, requestsKey(tenantID, g.period(), category))
	if err != nil {
		return CheckResult{}, err
	}
	if used >= ceiling {
		return CheckResult{
			Message: fmt.Sprintf("%s request quota exhausted: %d/%d this period", category, used, ceiling),
		}, nil
	}
	return CheckResult{Allowed: true}, nil
}

// CheckTokenQuota reports whether the estimated token spend fits under
// the tenant's per-period token ceiling. No side effects.
func (g *Governor) CheckTokenQuota(ctx context.Context, tenantID string, category Category, estimatedTokens int64) (CheckResult, error) {
	if tenantID == "" {
		return CheckResult{}, fault.New(fault.CodeValidationFailed, "tenant id required")
	}
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	ceiling := g.tokenCeiling(tenantID, category)
	used, err := g.counter(ctx, tokensKey(tenantID, g.period(), category))
	if err != nil {
		return CheckResult{}, err
	}
	if used+estimatedTokens > ceiling {
		return CheckResult{
			Message: fmt.Sprintf("%s token quota exhausted: %d used, %d estimated, ceiling %d", category, used, estimatedTokens, ceiling),
		}, nil
	}
	return CheckResult{Allowed: true}, nil
}

// IncrementUsage records one successful call and its observed token
// count. The update is a pipelined atomic INCR/INCRBY, never a
// read-modify-write.
func (g *Governor) IncrementUsage(ctx context.Context, tenantID string, category Category, tokens int64) error {
	if tenantID == "" {
		return fault.New(fault.CodeValidationFailed, "tenant id required")
	}
	if tokens < 0 {
		tokens = 0
	}
	period := g.period()
	reqKey := requestsKey(tenantID, period, category)
	tokKey := tokensKey(tenantID, period, category)

	pipe := g.client.TxPipeline()
	pipe.Incr(ctx, reqKey)
	pipe.IncrBy(ctx, tokKey, tokens)
	pipe.Expire(ctx, reqKey, counterTTL)
	pipe.Expire(ctx, tokKey, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Infrastructure(err, "quota ledger increment failed")
	}
	return nil
}

// UsageFor returns the tenant's current-period usage for a category.
func (g *Governor) UsageFor(ctx context.Context, tenantID string, category Category) (Usage, error) {
	period := g.period()
	requests, err := g.counter(ctx, requestsKey(tenantID, period, category))
	if err != nil {
		return Usage{}, err
	}
	tokens, err := g.counter(ctx, tokensKey(tenantID, period, category))
	if err != nil {
		return Usage{}, err
	}
	return Usage{Period: period, Requests: requests, Tokens: tokens}, nil
}

// EmbeddingMaxInputTokens exposes the tenant's configured input-size
// ceiling for the executor's pre-quota gate.
func (g *Governor) EmbeddingMaxInputTokens(tenantID string) int64 {
	return g.limits.For(tenantID).EmbeddingMaxInputSize
}

func (g *Governor) requestCeiling(tenantID string, category Category) int64 {
	tl := g.limits.For(tenantID)
	if category == CategoryEmbedding {
		return tl.EmbeddingMaxRequests
	}
	return tl.AIMaxRequests
}

func (g *Governor) tokenCeiling(tenantID string, category Category) int64 {
	tl := g.limits.For(tenantID)
	if category == CategoryEmbedding {
		return tl.EmbeddingMaxTokens
	}
	return tl.AIMaxTokens
}

func (g *Governor) counter(ctx context.Context, key string) (int64, error) {
	val, err := g.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fault.Infrastructure(err, "quota ledger read failed")
	}
	return val, nil
}

func (g *Governor) period() string {
	return g.now().UTC().Format("2006-01")
}

func requestsKey(tenantID, period string, category Category) string {
	return fmt.Sprintf("sm:quota:%s:%s:%s:requests", tenantID, period, category)
}

func tokensKey(tenantID, period string, category Category) string {
	return fmt.Sprintf("sm:quota:%s:%s:%s:tokens", tenantID, period, category)
}
