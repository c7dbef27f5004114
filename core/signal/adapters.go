package signal

import (
	"sort"

	"github.com/signalmesh/signalmesh/core/fault"
	"github.com/signalmesh/signalmesh/core/infra/schema"
)

// Adapter turns one source's raw event into the canonical payload.
// Adapters are stateless transforms registered at construction time;
// Schema is the JSON schema the canonical payload must satisfy.
type Adapter struct {
	Name      string
	Schema    map[string]any
	Transform func(raw map[string]any) map[string]any
}

// Registry holds the known source adapters. Lookups are read-only
// after construction, so no locking is needed.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry with the built-in source adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range builtinAdapters() {
		r.adapters[a.Name] = a
	}
	return r
}

// Register adds a source adapter. Registering over an existing source
// is rejected so built-ins cannot be silently shadowed.
func (r *Registry) Register(a Adapter) error {
	if a.Name == "" || a.Transform == nil {
		return fault.New(fault.CodeValidationFailed, "adapter name and transform required")
	}
	if _, exists := r.adapters[a.Name]; exists {
		return fault.New(fault.CodeValidationFailed, "adapter %q already registered", a.Name)
	}
	r.adapters[a.Name] = a
	return nil
}

// HasAdapter reports whether a source is supported.
func (r *Registry) HasAdapter(source string) bool {
	_, ok := r.adapters[source]
	return ok
}

// SupportedSources returns the registered source names, sorted.
func (r *Registry) SupportedSources() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Schemas returns each source's canonical payload schema, for
// publication into the schema registry.
func (r *Registry) Schemas() map[string]map[string]any {
	out := make(map[string]map[string]any, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.Schema
	}
	return out
}

// Normalize maps a raw event into the source's canonical payload and
// gates it on the adapter's schema. Unknown sources are a hard
// rejection, never a pass-through.
func (r *Registry) Normalize(source string, raw map[string]any) (map[string]any, error) {
	adapter, ok := r.adapters[source]
	if !ok {
		return nil, fault.New(fault.CodeValidationFailed, "unsupported signal source %q", source)
	}
	if raw == nil {
		return nil, fault.New(fault.CodeValidationFailed, "raw payload required")
	}
	canonical := adapter.Transform(raw)
	if len(adapter.Schema) > 0 {
		if err := schema.ValidateMap(adapter.Schema, canonical); err != nil {
			return nil, fault.Wrap(fault.CodeSchemaViolation, err, "payload rejected for source "+source)
		}
	}
	return canonical, nil
}

func builtinAdapters() []Adapter {
	return []Adapter{
		{
			Name:   "manual",
			Schema: map[string]any{"type": "object"},
			Transform: func(raw map[string]any) map[string]any {
				return raw
			},
		},
		{
			Name: "webhook",
			Schema: map[string]any{
				"type":     "object",
				"required": []string{"event_type"},
				"properties": map[string]any{
					"event_type": map[string]any{"type": "string", "minLength": 1},
					"data":       map[string]any{"type": "object"},
				},
			},
			Transform: func(raw map[string]any) map[string]any {
				out := map[string]any{
					"event_type": firstString(raw, "event_type", "event", "type"),
				}
				if data, ok := firstMap(raw, "data", "payload", "body"); ok {
					out["data"] = data
				}
				return out
			},
		},
		{
			Name: "form",
			Schema: map[string]any{
				"type":     "object",
				"required": []string{"form_id", "fields"},
				"properties": map[string]any{
					"form_id": map[string]any{"type": "string", "minLength": 1},
					"fields":  map[string]any{"type": "object"},
				},
			},
			Transform: func(raw map[string]any) map[string]any {
				out := map[string]any{
					"form_id": firstString(raw, "form_id", "formId", "id"),
				}
				if fields, ok := firstMap(raw, "fields", "responses", "answers"); ok {
					out["fields"] = fields
				}
				return out
			},
		},
		{
			Name: "crm",
			Schema: map[string]any{
				"type":     "object",
				"required": []string{"record_type", "record_id"},
				"properties": map[string]any{
					"record_type": map[string]any{"type": "string", "minLength": 1},
					"record_id":   map[string]any{"type": "string", "minLength": 1},
					"changes":     map[string]any{"type": "object"},
				},
			},
			Transform: func(raw map[string]any) map[string]any {
				out := map[string]any{
					"record_type": firstString(raw, "record_type", "object", "entity"),
					"record_id":   firstString(raw, "record_id", "id"),
				}
				if changes, ok := firstMap(raw, "changes", "fields", "delta"); ok {
					out["changes"] = changes
				}
				return out
			},
		},
	}
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstMap(raw map[string]any, keys ...string) (map[string]any, bool) {
	for _, key := range keys {
		if m, ok := raw[key].(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}
