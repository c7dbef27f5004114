package aigate

import (
	"context"
	"encoding/json"
)

// EchoProvider is a deterministic in-process provider for development
// wiring and tests. It never fails and reports estimated token counts.
type EchoProvider struct{}

func (EchoProvider) GenerateCompletion(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	output, err := json.Marshal(map[string]any{
		"summary": "echo: " + truncate(req.Prompt, 200),
		"model":   req.Model,
	})
	if err != nil {
		return nil, err
	}
	return &Completion{
		Output:       output,
		Model:        req.Model,
		Provider:     "echo",
		InputTokens:  EstimateTokens(req.System) + EstimateTokens(req.Prompt),
		OutputTokens: EstimateTokens(string(output)),
	}, nil
}

func (EchoProvider) GenerateEmbedding(ctx context.Context, input, model string) (*Embedding, error) {
	// A fixed-length zero vector keeps downstream shapes stable.
	return &Embedding{
		Vector:     make([]float64, 8),
		TokenCount: EstimateTokens(input),
		Model:      model,
		Provider:   "echo",
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
