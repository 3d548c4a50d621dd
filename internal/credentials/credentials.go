// Package credentials resolves provider and tool secrets at compile time.
package credentials

import (
	"os"
	"strings"
)

// EnvSource resolves credentials from environment variables. Keys are
// upper-cased with dashes and dots mapped to underscores, so a lookup for
// "openai.api-key" reads OPENAI_API_KEY.
type EnvSource struct {
	// Prefix, when set, is prepended to every variable name.
	Prefix string
}

// Lookup implements contracts.CredentialSource.
func (e *EnvSource) Lookup(key string) (string, bool) {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
	if e.Prefix != "" {
		name = e.Prefix + "_" + name
	}
	v := os.Getenv(name)
	return v, v != ""
}

// StaticSource resolves credentials from a fixed map. Used in tests and in
// embedded setups where secrets arrive through the host application.
type StaticSource map[string]string

// Lookup implements contracts.CredentialSource.
func (s StaticSource) Lookup(key string) (string, bool) {
	v, ok := s[key]
	return v, ok && v != ""
}

// Chain tries each source in order and returns the first hit.
type Chain []interface {
	Lookup(key string) (string, bool)
}

// Lookup implements contracts.CredentialSource.
func (c Chain) Lookup(key string) (string, bool) {
	for _, src := range c {
		if v, ok := src.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

// ProviderKey returns the conventional credential key for a model provider.
func ProviderKey(provider string) string {
	return provider + ".api-key"
}
