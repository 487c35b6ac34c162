// Package tools defines the tools the assistant may call. The registry
// is a closed set: every tool is registered at construction, and an
// unknown name is a typed error, never a dynamic lookup.
package tools

import (
	"context"
	"sort"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                          `json:"name"`
	Description string                                                          `json:"description"`
	Parameters  map[string]any                                                  `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Schema is the function description shipped to the completion API.
type Schema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
	crm   CRMBackend
}

// NewRegistry creates a tool registry wired to the CRM backend.
func NewRegistry(backend CRMBackend) *Registry {
	r := &Registry{
		tools: make(map[string]*Tool),
		crm:   backend,
	}
	r.registerCRMTools()
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the tool descriptions for the completion API, in
// name order so request payloads are deterministic.
func (r *Registry) Schemas() []Schema {
	schemas := make([]Schema, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		schemas = append(schemas, Schema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return schemas
}

// Execute runs a tool by name with sanitized arguments. The result is
// a JSON document for the model; errors are returned typed so the
// orchestrator can encode them as a function-result payload.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &UnknownToolError{Name: name}
	}
	return tool.Handler(ctx, args)
}
