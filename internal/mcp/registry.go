package mcp

import (
	"context"
	"sync"

	"github.com/datagen24/dshield-mcp-sub002/internal/models"
	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
)

// ToolHandler executes one tool's logic. It receives already-validated
// arguments and returns a JSON-serializable result or a typed rpcerr.Error.
type ToolHandler func(ctx context.Context, args map[string]any) (any, *rpcerr.Error)

// RegisteredTool combines a published definition with its handler,
// following the teacher's tools.RegisteredTool shape.
type RegisteredTool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// Registry holds one ToolDefinition per tool (spec.md §4.8).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]RegisteredTool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]RegisteredTool)}
}

// Register adds a tool, preserving first-registration order for tools/list.
func (r *Registry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Definition.Name]; !exists {
		r.order = append(r.order, tool.Definition.Name)
	}
	r.tools[tool.Definition.Name] = tool
}

func (r *Registry) lookup(name string) (RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// FeatureChecker reports whether a named feature is currently available.
type FeatureChecker interface {
	IsAvailable(feature string) bool
}

// ListVisible returns the definitions visible to a session: every feature
// dependency must be available and the session must hold the required
// permission (spec.md §4.8: "a tool is visible in tools/list iff...").
func (r *Registry) ListVisible(perms map[models.Permission]bool, features FeatureChecker) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ToolDefinition, 0, len(r.tools))
	for _, name := range r.order {
		t := r.tools[name]
		if t.Definition.RequiredPermission != "" && !perms[models.Permission(t.Definition.RequiredPermission)] {
			continue
		}
		if t.Definition.RequiredFeature != "" && features != nil && !features.IsAvailable(t.Definition.RequiredFeature) {
			continue
		}
		result = append(result, t.Definition)
	}
	return result
}
