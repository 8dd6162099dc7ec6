// Package source routes journal references to the upstream adapter that can
// serve them.
package source

import (
	"fmt"
	"strings"

	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

// WeipuLibraryID is the sentinel library identifier routed to the WeiPu
// adapter rather than the BrowZine API.
const WeipuLibraryID = "-1"

// Registry keeps a mapping from adapter names to their implementations.
type Registry struct {
	adapters map[string]ports.SourceAdapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]ports.SourceAdapter{}}
}

// Register adds or replaces an adapter implementation.
func (r *Registry) Register(adapter ports.SourceAdapter) {
	if r.adapters == nil {
		r.adapters = map[string]ports.SourceAdapter{}
	}
	r.adapters[adapter.Name()] = adapter
}

// Resolve returns an adapter by name or an error if it is absent.
func (r *Registry) Resolve(name string) (ports.SourceAdapter, error) {
	if adapter, ok := r.adapters[name]; ok {
		return adapter, nil
	}
	return nil, fmt.Errorf("source adapter %s is not registered", name)
}

// ForLibrary resolves the adapter responsible for a library identifier.
func (r *Registry) ForLibrary(libraryID string) (ports.SourceAdapter, error) {
	return r.Resolve(AdapterNameForLibrary(libraryID))
}

// AdapterNameForLibrary maps a library identifier to an adapter name.
func AdapterNameForLibrary(libraryID string) string {
	if IsWeipuLibrary(libraryID) {
		return "weipu"
	}
	return "browzine"
}

// IsWeipuLibrary reports whether a library identifier belongs to WeiPu.
func IsWeipuLibrary(libraryID string) bool {
	return strings.TrimSpace(libraryID) == WeipuLibraryID
}
