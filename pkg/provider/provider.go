// Package provider normalizes heterogeneous model backends into one
// contract. Adapters return their backend's raw response envelope;
// extraction happens separately so the runtime can fall back to generic
// parsing whenever an adapter defers.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/stream"
)

// Request is a provider-neutral single exchange.
type Request struct {
	Model        string
	Messages     []conversation.Message
	Tools        []map[string]interface{}
	Temperature  float64
	MaxTokens    int
	SystemPrompt string

	// OutputSchema is an opaque handle the surrounding configuration
	// layer resolved; adapters that support structured output may use
	// it, everyone else ignores it.
	OutputSchema map[string]interface{}
}

// Capabilities is a static descriptor used for feature gating by the
// configuration layer. The loop itself never enforces it.
type Capabilities struct {
	Features    []string               `json:"features"`
	Models      []string               `json:"models"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
}

// Extraction is the DEFER sentinel as a tagged value: a deferred
// extraction tells the runtime to apply its generic parsing instead.
type Extraction[T any] struct {
	Deferred bool
	Value    T
}

// Defer opts out of adapter-specific extraction.
func Defer[T any]() Extraction[T] {
	return Extraction[T]{Deferred: true}
}

// Extracted wraps an adapter-extracted value.
func Extracted[T any](value T) Extraction[T] {
	return Extraction[T]{Value: value}
}

// Provider is the contract every backend adapter implements.
type Provider interface {
	// Name identifies the backend ("anthropic", "openai", ...).
	Name() string

	// Call performs one synchronous exchange and returns the backend's
	// raw response envelope.
	Call(ctx context.Context, req Request) (interface{}, error)

	// Stream performs the same exchange but yields tagged chunks.
	Stream(ctx context.Context, req Request) (*stream.Reader, error)

	// Introspect reports the backend's static capabilities.
	Introspect() Capabilities

	// Extract* pull normalized values out of a raw response, or defer
	// to the runtime's generic extraction.
	ExtractContent(raw interface{}) Extraction[string]
	ExtractToolCalls(raw interface{}) Extraction[[]conversation.ToolCall]
	ExtractThinking(raw interface{}) Extraction[string]
	ExtractMetadata(raw interface{}) Extraction[map[string]interface{}]
}

// Options configures a provider factory.
type Options struct {
	APIKey  string
	BaseURL string
	Extra   map[string]interface{}
}

// Factory constructs a Provider from options.
type Factory func(opts Options) (Provider, error)

// Registry maps provider identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("anthropic", func(opts Options) (Provider, error) {
		return NewAnthropic(opts)
	})
	_ = r.Register("openai", func(opts Options) (Provider, error) {
		return NewOpenAI(opts)
	})
	return r
}

// Register adds a factory under an identifier.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if factory == nil {
		return fmt.Errorf("provider factory is required for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("provider %q is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New constructs the named provider.
func (r *Registry) New(name string, opts Options) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
	return factory(opts)
}

// Names lists the registered provider identifiers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
