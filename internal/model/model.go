// Package model implements the model provider drivers.
//
// Each driver speaks one provider wire format (openai-compatible chat
// completions, anthropic messages, ollama) and decodes replies into
// models.ModelReply, including any tool calls the model requested.
package model

import (
	"sync"

	"github.com/golemlab/golem/pkg/contracts"
)

// Registry maps provider kinds to drivers. Unknown kinds fall back to the
// openai-compatible driver, which covers most self-hosted gateways.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]contracts.ModelDriver
}

// NewRegistry creates a registry with the built-in drivers.
func NewRegistry(creds contracts.CredentialSource) *Registry {
	r := &Registry{drivers: make(map[string]contracts.ModelDriver)}
	r.Register(NewOpenAIDriver(creds, "openai", ""))
	r.Register(NewOpenAIDriver(creds, "azure-openai", ""))
	r.Register(NewAnthropicDriver(creds, ""))
	r.Register(NewOllamaDriver(""))
	return r
}

// Register adds or replaces a driver, keyed by its Kind.
func (r *Registry) Register(d contracts.ModelDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

// Driver returns the driver for a provider kind. Unknown kinds return the
// openai driver when one is registered, else ok=false.
func (r *Registry) Driver(kind string) (contracts.ModelDriver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.drivers[kind]; ok {
		return d, true
	}
	d, ok := r.drivers["openai"]
	return d, ok
}

// RequiresCredentials reports whether a provider kind needs an API key.
// Local providers (ollama) do not.
func RequiresCredentials(kind string) bool {
	return kind != "ollama"
}
