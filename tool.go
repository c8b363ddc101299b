package breezerun

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ToolParameter declares one typed input of a tool. Type is a JSON Schema
// primitive: "string", "number", "boolean", "object", or "array".
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ToolResult is the outcome of a tool execution. A failed tool is data, not
// control flow: the loop turns it into a failed observation and continues.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Tool is a named, schema-described capability the agent may invoke.
// Execute decodes args itself; the declared Parameters are the single source
// of truth for the model-facing descriptor and for server-side decoding.
type Tool interface {
	Name() string
	Description() string
	Parameters() []ToolParameter
	Execute(ctx context.Context, args json.RawMessage) ToolResult
}

// Registry holds tools by name and builds the per-turn definitions handed to
// the model. Names are unique; registration order is irrelevant.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a second tool under an existing name
// is a programming error and fails.
func (r *Registry) Register(t Tool) error {
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name, or nil.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// List returns all tools sorted by name, so prompt and definition order is
// deterministic regardless of registration order.
func (r *Registry) List() []Tool {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Tool, len(names))
	for i, n := range names {
		out[i] = r.tools[n]
	}
	return out
}

// Definitions projects every registered tool into the model-facing shape.
func (r *Registry) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.List() {
		defs = append(defs, FormatDefinition(t))
	}
	return defs
}

// FormatDefinition projects a tool's declared parameters into the
// function-calling JSON Schema shape. Pure: same input, same bytes out.
func FormatDefinition(t Tool) ToolDefinition {
	type property struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Default     any    `json:"default,omitempty"`
	}
	schema := struct {
		Type       string              `json:"type"`
		Properties map[string]property `json:"properties"`
		Required   []string            `json:"required"`
	}{
		Type:       "object",
		Properties: make(map[string]property),
		Required:   []string{},
	}
	for _, p := range t.Parameters() {
		schema.Properties[p.Name] = property{Type: p.Type, Description: p.Description, Default: p.Default}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		// All inputs are plain Go values; marshal cannot fail for them.
		panic(fmt.Sprintf("format tool %s: %v", t.Name(), err))
	}
	return ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: raw}
}

// ParseDefinition recovers the parameter declarations from a formatted
// definition. Inverse of FormatDefinition up to parameter ordering; used to
// verify the projection round-trips.
func ParseDefinition(def ToolDefinition) ([]ToolParameter, error) {
	var schema struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			Default     any    `json:"default"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(def.Parameters, &schema); err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", def.Name, err)
	}
	required := make(map[string]bool, len(schema.Required))
	for _, n := range schema.Required {
		required[n] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for n := range schema.Properties {
		names = append(names, n)
	}
	sort.Strings(names)
	params := make([]ToolParameter, 0, len(names))
	for _, n := range names {
		p := schema.Properties[n]
		params = append(params, ToolParameter{
			Name:        n,
			Type:        p.Type,
			Description: p.Description,
			Required:    required[n],
			Default:     p.Default,
		})
	}
	return params, nil
}
