package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Handler executes a tool. execCtx is opaque caller-supplied execution
// context (actor/tenant data) passed through the runtime unmodified.
type Handler func(ctx context.Context, args map[string]interface{}, execCtx map[string]interface{}) (interface{}, error)

// Definition describes a callable tool the provider can request.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Handler     Handler                `json:"-"`
}

// Result is the outcome of one tool execution. Err is empty on success.
type Result struct {
	ToolName string      `json:"tool_name"`
	Output   interface{} `json:"output,omitempty"`
	Err      string      `json:"error,omitempty"`
}

// OK reports whether the execution succeeded.
func (r Result) OK() bool {
	return r.Err == ""
}

// Registry holds tool definitions with compiled parameter schemas. It
// is safe for concurrent readers; registration happens before calls.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Definition
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool definition, compiling its parameter schema.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}

	var schema *gojsonschema.Schema
	if def.Parameters != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Parameters))
		if err != nil {
			return fmt.Errorf("tool %q has an invalid parameter schema: %w", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q is already registered", def.Name)
	}
	r.tools[def.Name] = def
	if schema != nil {
		r.schemas[def.Name] = schema
	}
	return nil
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Names returns registered tool names in sorted order.
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

// Definitions returns the wire shape providers consume: name,
// description, and the raw JSON schema under input_schema.
func (r *Registry) Definitions() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		def := r.tools[name]
		params := def.Parameters
		if params == nil {
			params = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		defs = append(defs, map[string]interface{}{
			"name":         def.Name,
			"description":  def.Description,
			"input_schema": params,
		})
	}
	return defs
}

// Execute validates the arguments against the tool's parameter schema
// and invokes the handler. Handler panics are recovered into the error
// return so a misbehaving tool cannot take the loop down.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, execCtx map[string]interface{}) (out interface{}, err error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}

	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return nil, fmt.Errorf("tool %q arguments rejected: %w", name, err)
		}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			out = nil
			err = fmt.Errorf("tool %q panicked: %v", name, recovered)
		}
	}()

	return def.Handler(ctx, args, execCtx)
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	// Round-trip through JSON so numeric types match what a decoded
	// provider payload would carry.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not serializable: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return err
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Errorf("%s", first.String())
	}
	return nil
}
