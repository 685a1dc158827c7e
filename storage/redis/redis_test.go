package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/adfs-auth-go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := New(Config{Client: client})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestRedisStorage_SetAndGet(t *testing.T) {
	s, mr := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "https://login.example/keys", []byte(`{"keys":[]}`), storage.WithNamespace("jwks")))

	item, err := s.Get(ctx, "https://login.example/keys", storage.WithNamespace("jwks"))
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, `{"keys":[]}`, string(item.Data))
	assert.Nil(t, item.ExpiresAt)
	assert.True(t, mr.Exists("adfs:cache:ns:jwks:https://login.example/keys"))
}

func TestRedisStorage_GetMissing(t *testing.T) {
	s, _ := newTestStorage(t)

	item, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestRedisStorage_TTL(t *testing.T) {
	s, mr := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), storage.WithTTL(time.Minute)))
	item, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NotNil(t, item.ExpiresAt)

	mr.FastForward(2 * time.Minute)

	item, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestRedisStorage_DeleteNamespace(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), storage.WithNamespace("jwks")))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), storage.WithNamespace("jwks")))
	require.NoError(t, s.Set(ctx, "a", []byte("3")))

	require.NoError(t, s.Delete(ctx, storage.WithNamespace("jwks"), storage.WithKey("a")))
	item, err := s.Get(ctx, "a", storage.WithNamespace("jwks"))
	require.NoError(t, err)
	assert.Nil(t, item)

	require.NoError(t, s.Delete(ctx, storage.WithNamespace("jwks")))
	item, err = s.Get(ctx, "b", storage.WithNamespace("jwks"))
	require.NoError(t, err)
	assert.Nil(t, item)

	item, err = s.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "3", string(item.Data))
}

func TestNewFromEnv(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("ADFS_CACHE_KEY_PREFIX", "test:")

	s, err := NewFromEnv(context.Background())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	assert.True(t, mr.Exists("test:global:k"))
}
