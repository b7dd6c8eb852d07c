package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// Registry manages tool definitions and dispatches tool calls
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*toolEntry
	ordering []string // Preserve registration order for consistent tools/list
}

type toolEntry struct {
	def     Definition
	handler Handler
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*toolEntry),
	}
}

// Register adds a tool definition and handler to the registry
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	switch def.Kind {
	case KindRead, KindWrite, KindMeta:
	default:
		return fmt.Errorf("tool %s has unknown kind %q", def.Name, def.Kind)
	}
	if def.Kind != KindRead && def.CacheTTL > 0 {
		return fmt.Errorf("tool %s is not read-only and cannot declare a cache TTL", def.Name)
	}
	if def.Kind == KindRead && len(def.Invalidates) > 0 {
		return fmt.Errorf("tool %s is read-only and cannot invalidate cache entries", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}

	r.tools[def.Name] = &toolEntry{
		def:     def,
		handler: handler,
	}
	r.ordering = append(r.ordering, def.Name)

	return nil
}

// MustRegister registers a tool or panics on error (for init-time registration)
func (r *Registry) MustRegister(def Definition, handler Handler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

// List returns all registered tool descriptors in registration order
func (r *Registry) List() []Descriptor {
	return r.ListAllowed(nil)
}

// ListAllowed returns the descriptors the given predicate admits, in
// registration order. A nil predicate admits everything. The bridge uses
// this to filter tools/list by the caller's effective permissions.
func (r *Registry) ListAllowed(allow func(Definition) bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]Descriptor, 0, len(r.ordering))
	for _, name := range r.ordering {
		entry := r.tools[name]
		if allow != nil && !allow(entry.def) {
			continue
		}
		descriptors = append(descriptors, entry.def.Descriptor())
	}

	return descriptors
}

// Definitions returns the full definitions in registration order. Startup
// uses this to derive default permission rows per tool kind.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.ordering))
	for _, name := range r.ordering {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Lookup returns the definition for a tool name
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.tools[name]
	if !exists {
		return Definition{}, false
	}
	return entry.def, true
}

// Call executes a tool by name against the given caller. The result is the
// MCP result object exactly as the handler produced it.
func (r *Registry) Call(ctx context.Context, caller Caller, req CallRequest) (json.RawMessage, error) {
	r.mu.RLock()
	entry, exists := r.tools[req.Name]
	r.mu.RUnlock()

	if !exists {
		return nil, errx.Newf(errx.KindNotFound, "tool not found: %s", req.Name)
	}

	return entry.handler(ctx, caller, req.Arguments)
}
