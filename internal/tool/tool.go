// Package tool implements the tool contract and registry (C3): tools
// register a ToolSchema and an execute function, and the registry validates
// arguments against the schema before invocation using the jsonschema/v5
// library. The provider adapters build their function-calling payloads
// from the same ToolSchema on their own, without that library.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cascadehq/cascade/internal/cerrors"
	"github.com/cascadehq/cascade/pkg/models"
)

// ExecuteFunc runs a tool call. It must be cancellation-aware via ctx and
// should never partially mutate state once ctx is cancelled when feasible.
type ExecuteFunc func(ctx context.Context, args map[string]any) (*models.ToolResult, error)

// Tool pairs a schema with its executor.
type Tool struct {
	Schema  models.ToolSchema
	Execute ExecuteFunc
}

// Registry holds registered tools and validates arguments before execution.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Registration is idempotent on name: re-registering
// the same name with an identical schema is a no-op; a differing schema is
// rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[t.Schema.Name]; ok {
		if !schemasEqual(existing.Schema, t.Schema) {
			return cerrors.NewUserError(cerrors.CategoryValidation,
				fmt.Sprintf("tool %q already registered with a different schema", t.Schema.Name))
		}
		return nil
	}

	compiled, err := compileSchema(t.Schema)
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", t.Schema.Name, err)
	}

	cp := t
	r.tools[t.Schema.Name] = &cp
	r.compiled[t.Schema.Name] = compiled
	return nil
}

func schemasEqual(a, b models.ToolSchema) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// compileSchema builds a JSON Schema document from a ToolSchema's parameter
// list and compiles it once at registration time.
func compileSchema(schema models.ToolSchema) (*jsonschema.Schema, error) {
	properties := map[string]any{}
	var required []string
	for _, p := range schema.Parameters {
		prop := map[string]any{"type": jsonType(p.Type)}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + schema.Name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func jsonType(t string) string {
	switch t {
	case "number", "integer", "boolean", "array", "object", "string":
		return t
	default:
		return "string"
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, sorted by name for deterministic
// iteration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schema.Name < out[j].Schema.Name })
	return out
}

// SchemasForProvider returns every registered tool's schema, in the same
// deterministic order as List.
func (r *Registry) SchemasForProvider() []models.ToolSchema {
	tools := r.List()
	out := make([]models.ToolSchema, len(tools))
	for i, t := range tools {
		out[i] = t.Schema
	}
	return out
}

// Validate checks args against the tool's compiled schema: type matches,
// required fields present, enum membership enforced, unknown arguments
// rejected. It does not invoke the tool.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	compiled, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return cerrors.NewToolError(cerrors.ToolErrUnknownTool, name, "tool not registered")
	}
	if err := compiled.Validate(toAny(args)); err != nil {
		return cerrors.NewToolError(cerrors.ToolErrInvalidArguments, name, err.Error())
	}
	return nil
}

func toAny(args map[string]any) any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// Invoke validates args and, on success, executes the tool. On validation
// failure it returns a ToolResult{ok:false, error:"invalid_arguments: ..."}
// without invoking Execute, per spec §4.3.
func (r *Registry) Invoke(ctx context.Context, call models.ToolCall) (*models.ToolResult, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		err := cerrors.NewToolError(cerrors.ToolErrUnknownTool, call.Name, "tool not registered")
		return &models.ToolResult{CallID: call.ID, Ok: false, Error: err.Error()}, err
	}
	if err := r.Validate(call.Name, call.Arguments); err != nil {
		return &models.ToolResult{CallID: call.ID, Ok: false, Error: "invalid_arguments: " + err.Error()}, nil
	}
	result, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		return &models.ToolResult{CallID: call.ID, Ok: false, Error: err.Error()}, err
	}
	result.CallID = call.ID
	return result, nil
}
