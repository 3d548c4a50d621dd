// Package tools constructs the tool instances bound into compiled graphs.
// Each arm declares a registered tool type plus its config; construction
// resolves credentials and wires the Spine's domain allowlist, so a built
// tool carries everything it needs to dispatch.
package tools

import (
	"sync"

	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// Registry maps tool type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]contracts.ToolFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]contracts.ToolFactory)}
}

// Register adds or replaces a factory for a tool type.
func (r *Registry) Register(toolType string, f contracts.ToolFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[toolType] = f
}

// Build constructs the tool instance for an arm. An unregistered type is a
// compilation error.
func (r *Registry) Build(arm models.Arm, bp *models.Blueprint) (contracts.Tool, error) {
	r.mu.RLock()
	f, ok := r.factories[arm.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, &models.CompilationError{
			Reason: models.ReasonUnknownToolType,
			Detail: "arm " + arm.Name + " declares unregistered type " + arm.Type,
		}
	}
	return f(arm, bp)
}

// Types returns the registered tool type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}

// DefaultRegistry returns a registry with the built-in tool types.
func DefaultRegistry(creds contracts.CredentialSource) *Registry {
	r := NewRegistry()
	r.Register("web_search", WebSearchFactory(creds))
	r.Register("http_request", HTTPRequestFactory())
	r.Register("mcp", MCPFactory(creds))
	return r
}
