package upstream

import (
	"context"
	"sync"
)

// StaticResolver serves a fixed address list per service type, typically
// the seed workers from the catalog.
type StaticResolver struct {
	mu    sync.RWMutex
	seeds map[string][]string
}

// NewStaticResolver creates a resolver over seeds.
func NewStaticResolver(seeds map[string][]string) *StaticResolver {
	cp := make(map[string][]string, len(seeds))
	for st, addrs := range seeds {
		cp[st] = append([]string(nil), addrs...)
	}
	return &StaticResolver{seeds: cp}
}

// Resolve returns the seeds for serviceType.
func (r *StaticResolver) Resolve(ctx context.Context, serviceType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.seeds[serviceType]...), nil
}

// Set replaces the seeds for a service type.
func (r *StaticResolver) Set(serviceType string, addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeds[serviceType] = append([]string(nil), addrs...)
}
