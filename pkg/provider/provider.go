// Package provider is the boundary to the external AI model services.
// An Invoker turns one resolved prompt into generated text; it owns no
// state and is safe to call concurrently for independent nodes.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider ids understood by the default deployment.
const (
	Gemini = "gemini"
	Claude = "claude"
	GPT4   = "gpt4"
)

// DefaultModels maps each provider id to the model served under it.
var DefaultModels = map[string]string{
	Gemini: "gemini-2.0-flash",
	Claude: "claude-3-5-sonnet-20241022",
	GPT4:   "gpt-4o",
}

// Request is the resolved input for one node execution.
type Request struct {
	// Provider routes the request when invoking through a Registry.
	Provider string
	// Model overrides the provider's default model id when non-empty.
	Model string
	// System is the role framing for the node type.
	System string
	// Prompt is the assembled prompt: custom or template text followed
	// by the concatenated upstream outputs.
	Prompt string
	// MaxTokens caps the response length; 0 means the adapter default.
	MaxTokens int
}

// Invoker executes one generation request. Implementations must not
// retry on their own: a failed call against a paid provider is
// surfaced so the caller can decide, never silently re-billed.
type Invoker interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Registry routes requests to the Invoker registered for the request's
// provider id. It is itself an Invoker, so the engine can hold a single
// value whether it talks to one adapter or many.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register adds (or replaces) the invoker for a provider id.
func (r *Registry) Register(providerID string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[providerID] = inv
}

// Providers returns the registered provider ids, ascending.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.invokers))
	for id := range r.invokers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Generate dispatches to the invoker registered for req.Provider.
// An unregistered provider is a permanent error: retrying cannot help
// until the deployment changes.
func (r *Registry) Generate(ctx context.Context, req Request) (string, error) {
	r.mu.RLock()
	inv, ok := r.invokers[req.Provider]
	r.mu.RUnlock()
	if !ok {
		return "", &Error{
			Provider: req.Provider,
			Class:    Permanent,
			Message:  fmt.Sprintf("no invoker registered for provider %q", req.Provider),
		}
	}
	return inv.Generate(ctx, req)
}
