// Package syncutil provides per-key locking with context cancellation.
package syncutil

import (
	"context"
	"hash/maphash"
)

// DefaultShards is the shard count used by NewKeyLock(0).
const DefaultShards = 256

// KeyLock serializes work per key using a fixed set of shards, so memory
// stays bounded however many keys are seen. Two keys may share a shard.
type KeyLock struct {
	seed   maphash.Seed
	shards []chan struct{}
}

// NewKeyLock creates a lock with n shards (DefaultShards if n <= 0).
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	l := &KeyLock{seed: maphash.MakeSeed(), shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until key's shard is free or ctx ends. On success the caller
// must call the returned unlock exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	shard := l.shards[l.index(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *KeyLock) index(key string) uint64 {
	return maphash.String(l.seed, key) % uint64(len(l.shards))
}
