package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TenantLimits carries per-tenant ceilings for AI and embedding usage.
// Zero fields fall back to the configured defaults.
type TenantLimits struct {
	AIMaxRequests         int64 `yaml:"ai_max_requests"`
	AIMaxTokens           int64 `yaml:"ai_max_tokens"`
	EmbeddingMaxRequests  int64 `yaml:"embedding_max_requests"`
	EmbeddingMaxTokens    int64 `yaml:"embedding_max_tokens"`
	EmbeddingMaxInputSize int64 `yaml:"embedding_max_input_tokens"`
}

// Limits is the parsed per-tenant limit configuration.
type Limits struct {
	Version  string                  `yaml:"version"`
	Defaults TenantLimits            `yaml:"defaults"`
	Tenants  map[string]TenantLimits `yaml:"tenants"`
}

// DefaultLimits applies when no limits file is configured.
var DefaultLimits = TenantLimits{
	AIMaxRequests:         1000,
	AIMaxTokens:           2_000_000,
	EmbeddingMaxRequests:  5000,
	EmbeddingMaxTokens:    10_000_000,
	EmbeddingMaxInputSize: 8192,
}

// LoadLimits reads YAML from the given path. A missing file or empty
// path yields the built-in defaults for every tenant.
func LoadLimits(path string) (*Limits, error) {
	if path == "" {
		return &Limits{Defaults: DefaultLimits, Tenants: map[string]TenantLimits{}}, nil
	}
	// #nosec G304 -- limits path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Limits{Defaults: DefaultLimits, Tenants: map[string]TenantLimits{}}, nil
		}
		return nil, fmt.Errorf("read limits %s: %w", path, err)
	}
	return ParseLimits(data)
}

// ParseLimits parses a limits bundle from YAML bytes.
func ParseLimits(data []byte) (*Limits, error) {
	var limits Limits
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return nil, fmt.Errorf("parse limits: %w", err)
	}
	limits.Defaults = mergeLimits(limits.Defaults, DefaultLimits)
	if limits.Tenants == nil {
		limits.Tenants = map[string]TenantLimits{}
	}
	return &limits, nil
}

// For returns the effective limits for a tenant, merging tenant
// overrides over the defaults.
func (l *Limits) For(tenantID string) TenantLimits {
	if l == nil {
		return DefaultLimits
	}
	tl, ok := l.Tenants[tenantID]
	if !ok {
		return l.Defaults
	}
	return mergeLimits(tl, l.Defaults)
}

func mergeLimits(tl, base TenantLimits) TenantLimits {
	if tl.AIMaxRequests <= 0 {
		tl.AIMaxRequests = base.AIMaxRequests
	}
	if tl.AIMaxTokens <= 0 {
		tl.AIMaxTokens = base.AIMaxTokens
	}
	if tl.EmbeddingMaxRequests <= 0 {
		tl.EmbeddingMaxRequests = base.EmbeddingMaxRequests
	}
	if tl.EmbeddingMaxTokens <= 0 {
		tl.EmbeddingMaxTokens = base.EmbeddingMaxTokens
	}
	if tl.EmbeddingMaxInputSize <= 0 {
		tl.EmbeddingMaxInputSize = base.EmbeddingMaxInputSize
	}
	return tl
}
