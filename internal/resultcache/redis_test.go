//go:build integration

package resultcache

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisSharedRoundTrip(t *testing.T) {
	client := newTestRedis(t)
	prefix := "test:" + t.Name() + ":"
	s := NewRedisShared(client, time.Minute, WithKeyPrefix(prefix))
	ctx := context.Background()
	t.Cleanup(func() { client.Del(context.Background(), prefix+"k") })

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "k", &Result{Body: []byte("png"), ContentType: "image/png", Worker: "http://w"}))

	res, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("png"), res.Body)
	assert.Equal(t, "image/png", res.ContentType)

	ttl, err := client.TTL(ctx, prefix+"k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
