package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh provider instance from settings. A new instance is
// created per wrapper invocation so downstream sessions are never shared.
type Factory func(s Settings) (Provider, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds a provider factory under its name. Called from provider
// init functions; the registry is complete once the package is imported.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = f
}

// New instantiates the named provider. A missing name fails fast with
// ErrProviderLoad.
func New(name string, s Settings) (Provider, error) {
	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderLoad, name)
	}
	p, err := f(s)
	if err != nil {
		return nil, fmt.Errorf("loading provider %q: %w", name, err)
	}
	return p, nil
}

// Registered returns the sorted names of all registered providers.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
