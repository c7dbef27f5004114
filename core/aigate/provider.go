// Package aigate is the single gate every external AI and embedding
// call passes through: input validation, quota checks, classified
// retries, output schema validation, and usage accounting.
package aigate

import (
	"context"
	"encoding/json"
)

// RequestContext is the caller identity supplied by the upstream
// authentication layer. The gate authorizes with it, never authenticates.
type RequestContext struct {
	TenantID     string
	ActorID      string
	IsSuperAdmin bool
}

// CompletionRequest describes one structured-completion call.
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Completion is the provider's answer. Output is the raw structured
// payload; the executor refuses to forward it until it passes the
// caller's output schema.
type Completion struct {
	Output       json.RawMessage
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
}

// TokensUsed is the provider-observed total spend for the call.
func (c *Completion) TokensUsed() int64 {
	if c == nil {
		return 0
	}
	return c.InputTokens + c.OutputTokens
}

// EmbeddingRequest describes one embedding call.
type EmbeddingRequest struct {
	Input string
	Model string
}

// Embedding is the provider's vector plus its token accounting.
type Embedding struct {
	Vector     []float64
	TokenCount int64
	Model      string
	Provider   string
}

// Provider is the external AI dependency: untrusted, possibly slow,
// possibly unreliable. Implementations live at the application boundary.
type Provider interface {
	GenerateCompletion(ctx context.Context, req *CompletionRequest) (*Completion, error)
	GenerateEmbedding(ctx context.Context, input, model string) (*Embedding, error)
}

// EstimateTokens approximates token spend for quota and input-size
// gates before the provider reports actual counts. One token per four
// characters tracks the common BPE vocabularies closely enough for a
// pre-flight ceiling check.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64((len(text) + 3) / 4)
}
