package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	l := NewKeyLock(0)

	counter := 0
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "acct_1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			v := counter
			time.Sleep(10 * time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyLock_ContextCancelledWhileWaiting(t *testing.T) {
	l := NewKeyLock(1)

	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	// One shard: every key collides.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLock_ReleasedShardCanBeReacquired(t *testing.T) {
	l := NewKeyLock(4)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err = l.Lock(ctx, "k")
	require.NoError(t, err)
	unlock()
}

func TestKeyLock_DifferentShardsDoNotBlock(t *testing.T) {
	l := NewKeyLock(DefaultShards)

	held := make(map[uint64]bool)
	var unlocks []func()
	defer func() {
		for _, u := range unlocks {
			u()
		}
	}()

	// Find two keys on distinct shards and hold both at once.
	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		idx := l.index(key)
		if held[idx] {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		unlock, err := l.Lock(ctx, key)
		cancel()
		require.NoError(t, err, key)
		held[idx] = true
		unlocks = append(unlocks, unlock)
	}
	assert.GreaterOrEqual(t, len(unlocks), 2)
}
