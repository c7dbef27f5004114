package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalmesh/signalmesh/core/fault"
)

// RedisStore persists signals and routes and provides the atomic
// fingerprint reservation. One store serves both the router's Store
// and DedupStore contracts.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SaveSignal persists a signal and indexes it by tenant. Signals are
// immutable; saving an existing ID is rejected.
func (s *RedisStore) SaveSignal(ctx context.Context, sig *Signal) error {
	if sig == nil || sig.ID == "" || sig.TenantID == "" {
		return fmt.Errorf("signal id and tenant id required")
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	ok, err := s.client.SetNX(ctx, signalKey(sig.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signal %s already exists", sig.ID)
	}
	return s.client.ZAdd(ctx, signalTenantIndexKey(sig.TenantID), redis.Z{
		Score:  float64(sig.ReceivedAt.Unix()),
		Member: sig.ID,
	}).Err()
}

// GetSignal fetches a signal by ID. A missing signal reports
// fault.CodeNotFound.
func (s *RedisStore) GetSignal(ctx context.Context, id string) (*Signal, error) {
	if id == "" {
		return nil, fmt.Errorf("signal id required")
	}
	data, err := s.client.Get(ctx, signalKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.CodeNotFound, "signal %s not found", id)
		}
		return nil, err
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("unmarshal signal: %w", err)
	}
	return &sig, nil
}

// SaveRoute upserts a route and indexes it by tenant and source.
func (s *RedisStore) SaveRoute(ctx context.Context, route *SignalRoute) error {
	if route == nil || route.ID == "" || route.TenantID == "" || route.Source == "" || route.WorkflowID == "" {
		return fmt.Errorf("route id, tenant, source and workflow id required")
	}
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, routeKey(route.ID), payload, 0)
	pipe.ZAdd(ctx, routeTenantIndexKey(route.TenantID), redis.Z{
		Score:  float64(route.CreatedAt.Unix()),
		Member: route.ID,
	})
	pipe.SAdd(ctx, routeSourceIndexKey(route.TenantID, route.Source), route.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// GetRoute fetches a route by ID. A missing route reports
// fault.CodeNotFound.
func (s *RedisStore) GetRoute(ctx context.Context, id string) (*SignalRoute, error) {
	if id == "" {
		return nil, fmt.Errorf("route id required")
	}
	data, err := s.client.Get(ctx, routeKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.CodeNotFound, "route %s not found", id)
		}
		return nil, err
	}
	var route SignalRoute
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("unmarshal route: %w", err)
	}
	return &route, nil
}

// DeleteRoute removes a route and its indexes.
func (s *RedisStore) DeleteRoute(ctx context.Context, id string) error {
	route, err := s.GetRoute(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, routeKey(id))
	pipe.ZRem(ctx, routeTenantIndexKey(route.TenantID), id)
	pipe.SRem(ctx, routeSourceIndexKey(route.TenantID, route.Source), id)
	_, err = pipe.Exec(ctx)
	return err
}

// ListRoutes returns a tenant's routes, newest first.
func (s *RedisStore) ListRoutes(ctx context.Context, tenantID string, limit int64) ([]*SignalRoute, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id required")
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, routeTenantIndexKey(tenantID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadRoutes(ctx, ids)
}

// MatchingRoutes returns the tenant's routes for a source whose
// predicates hold against the payload.
func (s *RedisStore) MatchingRoutes(ctx context.Context, tenantID, source string, payload map[string]any) ([]*SignalRoute, error) {
	if tenantID == "" || source == "" {
		return nil, fmt.Errorf("tenant id and source required")
	}
	ids, err := s.client.SMembers(ctx, routeSourceIndexKey(tenantID, source)).Result()
	if err != nil {
		return nil, err
	}
	routes, err := s.loadRoutes(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := routes[:0]
	for _, route := range routes {
		if route.Matches(payload) {
			out = append(out, route)
		}
	}
	return out, nil
}

func (s *RedisStore) loadRoutes(ctx context.Context, ids []string) ([]*SignalRoute, error) {
	if len(ids) == 0 {
		return []*SignalRoute{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, routeKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]*SignalRoute, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var route SignalRoute
		if err := json.Unmarshal(data, &route); err != nil {
			continue
		}
		out = append(out, &route)
	}
	return out, nil
}

// MarkSourceSeen records that a tenant has received a source and
// reports whether this is the first time.
func (s *RedisStore) MarkSourceSeen(ctx context.Context, tenantID, source string) (bool, error) {
	if tenantID == "" || source == "" {
		return false, fmt.Errorf("tenant id and source required")
	}
	added, err := s.client.SAdd(ctx, seenSourcesKey(tenantID), source).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// UnmarkSourceSeen withdraws a first-sighting claim.
func (s *RedisStore) UnmarkSourceSeen(ctx context.Context, tenantID, source string) error {
	if tenantID == "" || source == "" {
		return fmt.Errorf("tenant id and source required")
	}
	return s.client.SRem(ctx, seenSourcesKey(tenantID), source).Err()
}

// Reserve atomically claims a fingerprint for the dedup window. The
// stored value is the outcome document so a later duplicate returns
// the originally resolved result.
func (s *RedisStore) Reserve(ctx context.Context, fingerprint string, outcome *DedupOutcome, window time.Duration) (*DedupOutcome, bool, error) {
	if fingerprint == "" {
		return nil, false, fmt.Errorf("fingerprint required")
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		return nil, false, fmt.Errorf("marshal dedup outcome: %w", err)
	}
	ok, err := s.client.SetNX(ctx, dedupKey(fingerprint), payload, window).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}
	data, err := s.client.Get(ctx, dedupKey(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Entry expired between SETNX and GET; treat as a fresh
			// reservation on the retry path.
			return s.Reserve(ctx, fingerprint, outcome, window)
		}
		return nil, false, err
	}
	var existing DedupOutcome
	if err := json.Unmarshal(data, &existing); err != nil {
		return nil, false, fmt.Errorf("unmarshal dedup outcome: %w", err)
	}
	return &existing, false, nil
}

// Complete overwrites a held reservation with the resolved outcome,
// keeping the original window TTL.
func (s *RedisStore) Complete(ctx context.Context, fingerprint string, outcome *DedupOutcome) error {
	if fingerprint == "" {
		return fmt.Errorf("fingerprint required")
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal dedup outcome: %w", err)
	}
	err = s.client.SetArgs(ctx, dedupKey(fingerprint), payload, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if errors.Is(err, redis.Nil) {
		// Reservation expired before completion; nothing to update.
		return nil
	}
	return err
}

// Release drops a held reservation so the fingerprint can be reserved
// again immediately.
func (s *RedisStore) Release(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return fmt.Errorf("fingerprint required")
	}
	return s.client.Del(ctx, dedupKey(fingerprint)).Err()
}

func signalKey(id string) string {
	return "sm:signal:" + id
}

func signalTenantIndexKey(tenantID string) string {
	return "sm:signals:tenant:" + tenantID
}

func routeKey(id string) string {
	return "sm:route:" + id
}

func routeTenantIndexKey(tenantID string) string {
	return "sm:routes:tenant:" + tenantID
}

func routeSourceIndexKey(tenantID, source string) string {
	return "sm:routes:source:" + tenantID + ":" + source
}

func seenSourcesKey(tenantID string) string {
	return "sm:seen:" + tenantID
}

func dedupKey(fingerprint string) string {
	return "sm:dedup:" + fingerprint
}
