package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists versioned rules and executions.
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

// SaveRule persists a rule version. A zero version is assigned the
// workflow's next sequence number.
func (s *RedisStore) SaveRule(ctx context.Context, rule *Rule) error {
	if rule == nil || rule.TenantID == "" || rule.WorkflowID == "" {
		return fmt.Errorf("rule tenant and workflow id required")
	}
	for _, action := range rule.Actions {
		if !KnownActionKind(action.Kind) {
			return fmt.Errorf("unknown action kind %q", action.Kind)
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Status == "" {
		rule.Status = RuleStatusDraft
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if rule.Version == 0 {
		version, err := s.client.Incr(ctx, ruleSeqKey(rule.WorkflowID)).Result()
		if err != nil {
			return err
		}
		rule.Version = int(version)
	}
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, ruleKey(rule.WorkflowID, rule.Version), payload, 0)
	pipe.ZAdd(ctx, ruleIndexKey(rule.WorkflowID), redis.Z{Score: float64(rule.Version), Member: strconv.Itoa(rule.Version)})
	_, err = pipe.Exec(ctx)
	return err
}

// GetRule fetches one rule version.
func (s *RedisStore) GetRule(ctx context.Context, workflowID string, version int) (*Rule, error) {
	if workflowID == "" || version <= 0 {
		return nil, fmt.Errorf("workflow id and version required")
	}
	data, err := s.client.Get(ctx, ruleKey(workflowID, version)).Bytes()
	if err != nil {
		return nil, err
	}
	var rule Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	return &rule, nil
}

// PublishRule makes one version the workflow's live rule, archiving
// the previously published version.
func (s *RedisStore) PublishRule(ctx context.Context, workflowID string, version int) error {
	rule, err := s.GetRule(ctx, workflowID, version)
	if err != nil {
		return err
	}
	if prev, err := s.GetPublishedRule(ctx, workflowID); err == nil && prev != nil && prev.Version != version {
		prev.Status = RuleStatusArchived
		prev.UpdatedAt = time.Now().UTC()
		if data, err := json.Marshal(prev); err == nil {
			_ = s.client.Set(ctx, ruleKey(workflowID, prev.Version), data, 0).Err()
		}
	}
	rule.Status = RuleStatusPublished
	rule.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, ruleKey(workflowID, version), payload, 0)
	pipe.Set(ctx, rulePublishedKey(workflowID), version, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// GetPublishedRule returns the workflow's live rule, or nil when no
// version has been published.
func (s *RedisStore) GetPublishedRule(ctx context.Context, workflowID string) (*Rule, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	version, err := s.client.Get(ctx, rulePublishedKey(workflowID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetRule(ctx, workflowID, version)
}

// CreateExecution persists a new execution and its indexes.
func (s *RedisStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.TenantID == "" || exec.WorkflowID == "" || exec.SignalID == "" {
		return fmt.Errorf("execution tenant, workflow and signal id required")
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = ExecStatusPending
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	score := float64(now.Unix())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey(exec.ID), payload, 0)
	pipe.ZAdd(ctx, execStatusIndexKey(exec.TenantID, exec.Status), redis.Z{Score: score, Member: exec.ID})
	pipe.ZAdd(ctx, execTenantIndexKey(exec.TenantID), redis.Z{Score: score, Member: exec.ID})
	pipe.ZAdd(ctx, execSignalIndexKey(exec.SignalID), redis.Z{Score: score, Member: exec.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateExecution overwrites an execution and maintains the status
// indexes. Transitions out of a terminal state are rejected.
func (s *RedisStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id required")
	}
	prev, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	if prev.Status.IsTerminal() && prev.Status != exec.Status {
		return fmt.Errorf("execution %s is terminal (%s)", exec.ID, prev.Status)
	}
	now := time.Now().UTC()
	exec.UpdatedAt = now

	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey(exec.ID), payload, 0)
	pipe.ZAdd(ctx, execStatusIndexKey(exec.TenantID, exec.Status), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
	if prev.Status != exec.Status {
		pipe.ZRem(ctx, execStatusIndexKey(prev.TenantID, prev.Status), exec.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetExecution fetches an execution by ID.
func (s *RedisStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id required")
	}
	data, err := s.client.Get(ctx, execKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

// ListExecutionsByStatus returns a tenant's executions in one status,
// newest first.
func (s *RedisStore) ListExecutionsByStatus(ctx context.Context, tenantID string, status ExecStatus, limit int64) ([]*Execution, error) {
	if tenantID == "" || status == "" {
		return nil, fmt.Errorf("tenant id and status required")
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, execStatusIndexKey(tenantID, status), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadExecutions(ctx, ids)
}

// ListExecutionsBySignal returns the executions created for a signal.
func (s *RedisStore) ListExecutionsBySignal(ctx context.Context, signalID string) ([]*Execution, error) {
	if signalID == "" {
		return nil, fmt.Errorf("signal id required")
	}
	ids, err := s.client.ZRange(ctx, execSignalIndexKey(signalID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadExecutions(ctx, ids)
}

func (s *RedisStore) loadExecutions(ctx context.Context, ids []string) ([]*Execution, error) {
	if len(ids) == 0 {
		return []*Execution{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, execKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var exec Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			continue
		}
		out = append(out, &exec)
	}
	return out, nil
}

func ruleKey(workflowID string, version int) string {
	return "sm:rule:" + workflowID + ":" + strconv.Itoa(version)
}

func ruleSeqKey(workflowID string) string {
	return "sm:rule:seq:" + workflowID
}

func ruleIndexKey(workflowID string) string {
	return "sm:rule:versions:" + workflowID
}

func rulePublishedKey(workflowID string) string {
	return "sm:rule:published:" + workflowID
}

func execKey(id string) string {
	return "sm:exec:" + id
}

func execStatusIndexKey(tenantID string, status ExecStatus) string {
	return "sm:execs:status:" + tenantID + ":" + string(status)
}

func execTenantIndexKey(tenantID string) string {
	return "sm:execs:tenant:" + tenantID
}

func execSignalIndexKey(signalID string) string {
	return "sm:execs:signal:" + signalID
}

// Provisioner creates the default pass-through workflow used when a
// first-time (tenant, source) arrives with no routes.
type Provisioner struct {
	store *RedisStore
}

// NewProvisioner builds a provisioner over the rule store.
func NewProvisioner(store *RedisStore) *Provisioner {
	return &Provisioner{store: store}
}

// ProvisionDefault creates and publishes a match-all rule with a
// single notification action and returns the new workflow ID.
func (p *Provisioner) ProvisionDefault(ctx context.Context, tenantID, source string) (string, error) {
	if tenantID == "" || source == "" {
		return "", fmt.Errorf("tenant id and source required")
	}
	workflowID := uuid.NewString()
	rule := &Rule{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Name:       "Default " + source + " workflow",
		Actions: []Action{
			{Kind: ActionCreateNotification, Params: map[string]any{
				"message": "New " + source + " signal received",
			}},
		},
	}
	if err := p.store.SaveRule(ctx, rule); err != nil {
		return "", err
	}
	if err := p.store.PublishRule(ctx, workflowID, rule.Version); err != nil {
		return "", err
	}
	return workflowID, nil
}
