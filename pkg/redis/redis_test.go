package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, prefix string) (*miniredis.Miniredis, RedisAdapter) {
	mr := miniredis.RunT(t)
	adapter, err := NewRedisAdapter(t.Name()+"-"+mr.Addr(), prefix, &goredis.UniversalOptions{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return mr, adapter
}

func TestAdapter_Keys(t *testing.T) {
	mr, r := newTestAdapter(t, "app:")
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "a", []byte("1"), time.Minute))
	assert.True(t, mr.Exists("app:a"), "keys carry the prefix")

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	_, err = r.Get(ctx, "missing")
	assert.True(t, IsNil(err))

	ok, err := r.SetNX(ctx, "a", []byte("2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := r.IncrWithTTL(ctx, "n", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = r.IncrWithTTL(ctx, "n", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Minute, mr.TTL("app:n"))

	deleted, err := r.DelIfEquals(ctx, "a", []byte("other"))
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = r.DelIfEquals(ctx, "a", []byte("1"))
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := r.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAdapter_Streams(t *testing.T) {
	_, r := newTestAdapter(t, "")
	ctx := context.Background()

	require.NoError(t, r.EnsureGroup(ctx, "s", "g"))
	require.NoError(t, r.EnsureGroup(ctx, "s", "g"), "existing group is fine")

	id, err := r.XAdd(ctx, "s", map[string]interface{}{"data": "x"})
	require.NoError(t, err)

	msgs, err := r.XReadGroup(ctx, "g", "c1", "s", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "x", msgs[0].Values["data"])

	idle, err := r.XPendingIdle(ctx, "s", "g", time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, idle)

	idle, err = r.XPendingIdle(ctx, "s", "g", 0, 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)

	claimed, err := r.XClaim(ctx, "s", "g", "c2", 0, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, r.XAck(ctx, "s", "g", id))
	pending, err := r.XPending(ctx, "s", "g")
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	n, err := r.XLen(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNewRedisAdapter_Registry(t *testing.T) {
	mr := miniredis.RunT(t)
	name := t.Name()
	opts := &goredis.UniversalOptions{Addrs: []string{mr.Addr()}}

	a, err := NewRedisAdapter(name, "", opts)
	require.NoError(t, err)
	b, err := NewRedisAdapter(name, "other:", opts)
	require.NoError(t, err)
	assert.Same(t, a, b, "same name returns the registered adapter")
	assert.Same(t, a, GetRedis(name))

	require.NoError(t, a.Close())
	assert.Nil(t, GetRedis(name))

	_, err = NewRedisAdapter(name+"-down", "", &goredis.UniversalOptions{Addrs: []string{"127.0.0.1:1"}})
	assert.Error(t, err)
}
