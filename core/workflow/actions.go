package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/signalmesh/signalmesh/core/aigate"
	"github.com/signalmesh/signalmesh/core/fault"
)

// Notifier delivers notifications. External collaborator.
type Notifier interface {
	Notify(ctx context.Context, tenantID, message string, meta map[string]any) error
}

// RecordStore applies record updates. External collaborator.
type RecordStore interface {
	UpdateRecord(ctx context.Context, tenantID, recordType, recordID string, changes map[string]any) error
}

// TaskStore creates follow-up tasks. External collaborator.
type TaskStore interface {
	CreateTask(ctx context.Context, tenantID, title string, details map[string]any) error
}

// runAction dispatches one action. The switch is exhaustive over the
// closed kind set; an unknown kind is a terminal validation failure.
func (e *Engine) runAction(ctx context.Context, tenantID string, action Action, payload map[string]any) error {
	switch action.Kind {
	case ActionCreateNotification:
		message := paramString(action.Params, "message")
		if message == "" {
			message = "signal received"
		}
		return e.notifier.Notify(ctx, tenantID, message, payload)
	case ActionUpdateRecord:
		recordType := paramString(action.Params, "record_type")
		if recordType == "" {
			recordType = payloadString(payload, "record_type")
		}
		recordID := paramString(action.Params, "record_id")
		if recordID == "" {
			recordID = payloadString(payload, "record_id")
		}
		if recordType == "" || recordID == "" {
			return fault.New(fault.CodeValidationFailed, "update-record requires record_type and record_id")
		}
		changes, _ := action.Params["changes"].(map[string]any)
		return e.records.UpdateRecord(ctx, tenantID, recordType, recordID, changes)
	case ActionCreateTask:
		title := paramString(action.Params, "title")
		if title == "" {
			title = "Follow up on signal"
		}
		return e.tasks.CreateTask(ctx, tenantID, title, payload)
	case ActionInvokeAIAnalysis:
		return e.runAIAnalysis(ctx, tenantID, action, payload)
	default:
		return fault.New(fault.CodeValidationFailed, "unknown action kind %q", action.Kind)
	}
}

// runAIAnalysis routes through the hardened executor. The executor
// owns retry for transient provider failures, so its verdict is
// terminal at this level.
func (e *Engine) runAIAnalysis(ctx context.Context, tenantID string, action Action, payload map[string]any) error {
	prompt := paramString(action.Params, "prompt")
	if prompt == "" {
		return fault.New(fault.CodeValidationFailed, "invoke-ai-analysis requires a prompt")
	}
	model := paramString(action.Params, "model")
	if model == "" {
		model = e.defaultModel
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.CodeValidationFailed, err, "encode signal payload")
	}
	req := &aigate.CompletionRequest{
		Model:  model,
		System: paramString(action.Params, "system"),
		Prompt: fmt.Sprintf("%s\n\nSignal payload:\n%s", prompt, encoded),
	}
	if maxTokens, ok := toFloat(action.Params["max_tokens"]); ok && maxTokens > 0 {
		req.MaxTokens = int64(maxTokens)
	}
	outputSchema, _ := action.Params["output_schema"].(map[string]any)

	res := e.executor.Execute(ctx, aigate.RequestContext{TenantID: tenantID}, req, outputSchema)
	if !res.Success {
		return fault.New(res.ErrorCode, "%s", res.Error)
	}
	return nil
}

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
