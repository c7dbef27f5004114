package quota

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/signalmesh/signalmesh/core/infra/config"
	"github.com/signalmesh/signalmesh/core/infra/redisutil"
)

func newTestGovernor(t *testing.T, limits *config.Limits) *Governor {
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
	t.Cleanup(func() { client.Close() })
	return NewGovernor(client, limits)
}

func tightLimits(t *testing.T) *config.Limits {
	t.Helper()
	limits, err := config.ParseLimits([]byte(`
defaults:
  ai_max_requests: 2
  ai_max_tokens: 100
  embedding_max_requests: 1
  embedding_max_tokens: 50
  embedding_max_input_tokens: 10
`))
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	return limits
}

func TestRequestQuotaExhaustion(t *testing.T) {
	g := newTestGovernor(t, tightLimits(t))
	ctx := context.Background()

	res, err := g.CheckRequestQuota(ctx, "agency-1", CategoryAI)
	if err != nil || !res.Allowed {
		t.Fatalf("fresh tenant should be allowed: %+v %v", res, err)
	}

	if err := g.IncrementUsage(ctx, "agency-1", CategoryAI, 10); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := g.IncrementUsage(ctx, "agency-1", CategoryAI, 10); err != nil {
		t.Fatalf("increment: %v", err)
	}

	res, err = g.CheckRequestQuota(ctx, "agency-1", CategoryAI)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected request quota exhausted")
	}
	if res.Message == "" {
		t.Fatal("expected human-readable message")
	}
}

func TestTokenQuotaUsesEstimate(t *testing.T) {
	g := newTestGovernor(t, tightLimits(t))
	ctx := context.Background()

	res, err := g.CheckTokenQuota(ctx, "agency-1", CategoryAI, 101)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatal("estimate above ceiling should be rejected")
	}

	if err := g.IncrementUsage(ctx, "agency-1", CategoryAI, 60); err != nil {
		t.Fatalf("increment: %v", err)
	}
	res, err = g.CheckTokenQuota(ctx, "agency-1", CategoryAI, 50)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatal("used+estimate above ceiling should be rejected")
	}
	res, err = g.CheckTokenQuota(ctx, "agency-1", CategoryAI, 30)
	if err != nil || !res.Allowed {
		t.Fatalf("used+estimate below ceiling should pass: %+v %v", res, err)
	}
}

func TestChecksHaveNoSideEffects(t *testing.T) {
	g := newTestGovernor(t, tightLimits(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := g.CheckRequestQuota(ctx, "agency-1", CategoryEmbedding); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	usage, err := g.UsageFor(ctx, "agency-1", CategoryEmbedding)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Requests != 0 || usage.Tokens != 0 {
		t.Fatalf("checks must not mutate the ledger: %+v", usage)
	}
}

func TestCategoriesAreIndependent(t *testing.T) {
	g := newTestGovernor(t, tightLimits(t))
	ctx := context.Background()

	if err := g.IncrementUsage(ctx, "agency-1", CategoryEmbedding, 20); err != nil {
		t.Fatalf("increment: %v", err)
	}

	res, err := g.CheckRequestQuota(ctx, "agency-1", CategoryEmbedding)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatal("embedding request ceiling of 1 should be exhausted")
	}

	res, err = g.CheckRequestQuota(ctx, "agency-1", CategoryAI)
	if err != nil || !res.Allowed {
		t.Fatalf("ai ledger must be unaffected: %+v %v", res, err)
	}
}

func TestPeriodRollover(t *testing.T) {
	g := newTestGovernor(t, tightLimits(t))
	ctx := context.Background()

	current := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	g.WithClock(func() time.Time { return current })

	if err := g.IncrementUsage(ctx, "agency-1", CategoryAI, 10); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := g.IncrementUsage(ctx, "agency-1", CategoryAI, 10); err != nil {
		t.Fatalf("increment: %v", err)
	}
	res, _ := g.CheckRequestQuota(ctx, "agency-1", CategoryAI)
	if res.Allowed {
		t.Fatal("expected exhaustion in current period")
	}

	current = current.AddDate(0, 1, 0)
	res, err := g.CheckRequestQuota(ctx, "agency-1", CategoryAI)
	if err != nil || !res.Allowed {
		t.Fatalf("new period should reset counters: %+v %v", res, err)
	}
}

func TestRequiresTenant(t *testing.T) {
	g := newTestGovernor(t, tightLimits(t))
	if _, err := g.CheckRequestQuota(context.Background(), "", CategoryAI); err == nil {
		t.Fatal("expected validation failure")
	}
	if err := g.IncrementUsage(context.Background(), "", CategoryAI, 1); err == nil {
		t.Fatal("expected validation failure")
	}
}
