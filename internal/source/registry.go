package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes a job payload's provider name to a factory. Payloads may
// leave the provider blank, in which case the configured fallback is used;
// model defaults are the factory's business.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	fallback  string
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// SetFallback names the provider used when a payload does not pick one.
func (r *Registry) SetFallback(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	if name == "" {
		name = r.fallback
	}
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if name == "" {
		return nil, errors.New("no ai provider named and no fallback configured")
	}
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}
