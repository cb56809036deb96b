package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/swaggest/jsonschema-go"
)

// Handler executes one tool invocation against already-parsed arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Property describes one parameter of a tool schema.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema is the JSON-schema fragment advertised for a tool's parameters.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// SchemaBuilder assembles a flat object schema.
type SchemaBuilder struct {
	schema Schema
}

// NewSchema starts a builder for an object schema.
func NewSchema() *SchemaBuilder {
	return &SchemaBuilder{schema: Schema{
		Type:       "object",
		Properties: make(map[string]Property),
	}}
}

func (b *SchemaBuilder) String(name, description string) *SchemaBuilder {
	b.schema.Properties[name] = Property{Type: "string", Description: description}
	return b
}

func (b *SchemaBuilder) Integer(name, description string) *SchemaBuilder {
	b.schema.Properties[name] = Property{Type: "integer", Description: description}
	return b
}

func (b *SchemaBuilder) Number(name, description string) *SchemaBuilder {
	b.schema.Properties[name] = Property{Type: "number", Description: description}
	return b
}

func (b *SchemaBuilder) Boolean(name, description string) *SchemaBuilder {
	b.schema.Properties[name] = Property{Type: "boolean", Description: description}
	return b
}

func (b *SchemaBuilder) Enum(name, description string, values ...string) *SchemaBuilder {
	b.schema.Properties[name] = Property{Type: "string", Description: description, Enum: values}
	return b
}

func (b *SchemaBuilder) Required(names ...string) *SchemaBuilder {
	b.schema.Required = append(b.schema.Required, names...)
	return b
}

func (b *SchemaBuilder) Build() Schema {
	return b.schema
}

// Tool is one registered function the orchestrator may dispatch.
type Tool struct {
	Name        string
	Description string
	Parameters  Schema
	Handler     Handler
}

// Registry holds the tools available for server-side dispatch.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	if tool.Parameters.Type == "" {
		tool.Parameters.Type = "object"
	}
	if tool.Parameters.Properties == nil {
		tool.Parameters.Properties = make(map[string]Property)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	return nil
}

// RegisterFunc registers a tool whose parameter schema is reflected from a
// sample struct. Field json tags become parameter names; fields tagged
// required:"true" become required parameters.
func (r *Registry) RegisterFunc(name, description string, params any, handler Handler) error {
	reflector := jsonschema.Reflector{}
	reflected, err := reflector.Reflect(params, jsonschema.InlineRefs)
	if err != nil {
		return fmt.Errorf("failed to reflect schema for tool %s: %w", name, err)
	}

	raw, err := json.Marshal(reflected)
	if err != nil {
		return fmt.Errorf("failed to encode schema for tool %s: %w", name, err)
	}
	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("failed to decode schema for tool %s: %w", name, err)
	}

	return r.Register(Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Handler:     handler,
	})
}

// Unregister removes a tool; removing an unknown tool is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaList renders every registered tool in the chat-completions tools
// format, sorted by name for a stable wire shape.
func (r *Registry) SchemaList() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make([]map[string]any, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		list = append(list, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}
	return list
}
