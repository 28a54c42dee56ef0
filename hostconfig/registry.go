package hostconfig

import (
	"context"
	"fmt"
	"sync"
)

// Registry is a Loader backed by capabilities registered in process.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*Capabilities
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]*Capabilities)}
}

// Register sets the capabilities for the short host name.
func (r *Registry) Register(name string, login LoginFunc, validate ValidateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[name] = &Capabilities{Login: login, Validate: validate}
}

func (r *Registry) Load(_ context.Context, name string) (*Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.hosts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	return caps, nil
}
