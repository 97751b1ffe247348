package tools

import (
	"context"
	"log/slog"
	"sort"

	"github.com/envoyhq/envoy/internal/providers"
)

// Tool is one named, schema-described callable the model can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry is the tool set for one model step. Built-ins register first;
// dynamic tools that collide with a built-in name are skipped.
type Registry struct {
	tools    map[string]Tool
	builtins map[string]bool
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		builtins: make(map[string]bool),
	}
}

// RegisterBuiltin adds a built-in tool. Built-in names always win collisions.
func (r *Registry) RegisterBuiltin(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	r.builtins[name] = true
}

// RegisterDynamic adds a custom or integration tool unless the name is taken
// by a built-in.
func (r *Registry) RegisterDynamic(t Tool) {
	name := t.Name()
	if r.builtins[name] {
		slog.Warn("dynamic tool shadows built-in, skipping", "tool", name)
		return
	}
	if _, exists := r.tools[name]; exists {
		slog.Warn("dynamic tool name collision, last registration wins", "tool", name)
	} else {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registration order for built-ins and dynamics alike.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// BuiltinNames returns the built-in subset, sorted.
func (r *Registry) BuiltinNames() []string {
	var names []string
	for name := range r.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the registry in the provider wire format.
func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the named tool, mapping an unknown name to an error result
// the model can read.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.tools[name]
	if !ok {
		return ErrorResult("Unknown tool: " + name)
	}
	return t.Execute(ctx, args)
}
