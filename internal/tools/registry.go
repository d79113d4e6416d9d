// ABOUTME: Static registry mapping operation names to tool handlers.
// ABOUTME: Built once at startup; dispatch is a map lookup, never rebuilt per call.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrToolNotFound indicates the named tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ValidationError rejects malformed tool input before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

// Handler executes one named operation with raw JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Definition describes a tool for protocol listings.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type tool struct {
	def     Definition
	handler Handler
}

// Registry holds the tool dispatch table. Tools are registered during
// startup; lookups afterwards are read-only.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool to the dispatch table. Duplicate names error.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.New("tool handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.tools[def.Name] = &tool{def: def, handler: handler}
	r.order = append(r.order, def.Name)
	return nil
}

// List returns tool definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Call dispatches to the named tool.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	result, err := entry.handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool call failed",
			"tool", name,
			"error", err)
		return nil, err
	}
	return result, nil
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
