package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type record struct {
	ID    string         `json:"id"`
	State map[string]any `json:"state"`
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, *Cache[record]) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := Dial[record](context.Background(), Config{
		Addr:      mr.Addr(),
		KeyPrefix: "test",
		TTL:       time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestCache_SetAndGet(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	in := record{ID: "s-1", State: map[string]any{"count": float64(2)}}
	require.NoError(t, c.Set(ctx, "session:s-1", in, 0))

	out, err := c.Get(ctx, "session:s-1")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	assert.True(t, mr.Exists("test:session:s-1"))
	assert.Equal(t, time.Minute, mr.TTL("test:session:s-1"))
	assert.Equal(t, "test:session:s-1", c.Key("session:s-1"))
}

func TestCache_MissAndExpiry(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "short", record{ID: "x"}, time.Second))
	mr.FastForward(2 * time.Second)
	_, err = c.Get(ctx, "short")
	assert.True(t, IsCacheMiss(err))
}

func TestCache_DecodeError(t *testing.T) {
	mr, c := newTestCache(t)
	require.NoError(t, mr.Set("test:garbage", "not json"))

	_, err := c.Get(context.Background(), "garbage")
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestCache_GetOrLoad(t *testing.T) {
	_, c := newTestCache(t)
	ctx := context.Background()

	var loads int
	load := func(context.Context) (record, error) {
		loads++
		return record{ID: "loaded"}, nil
	}

	v, hit, err := c.GetOrLoad(ctx, "k", load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "loaded", v.ID)

	v, hit, err = c.GetOrLoad(ctx, "k", load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "loaded", v.ID)
	assert.Equal(t, 1, loads)

	stats := c.Stats()
	assert.Equal(t, Stats{Hits: 1, Misses: 1, Loads: 1}, stats)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
	assert.Zero(t, Stats{}.HitRate())
}

func TestCache_GetOrLoadErrorsAreNotCached(t *testing.T) {
	mr, c := newTestCache(t)
	notFound := errors.New("not found")

	_, _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (record, error) {
		return record{}, notFound
	})
	assert.ErrorIs(t, err, notFound)
	assert.False(t, mr.Exists("test:k"))
}

func TestCache_GetOrLoadCollapsesConcurrentLoads(t *testing.T) {
	_, c := newTestCache(t)

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (record, error) {
		loads.Add(1)
		<-release
		return record{ID: "once", State: map[string]any{}}, nil
	}

	const callers = 8
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		results = make([]record, callers)
	)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			v, _, err := c.GetOrLoad(context.Background(), "hot", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(callers))
	assert.GreaterOrEqual(t, loads.Load(), int32(1))
	for _, r := range results {
		assert.Equal(t, "once", r.ID)
	}
	// 每个调用方拿到独立解码的值
	results[0].State["mutated"] = true
	assert.NotContains(t, results[1].State, "mutated")
}

func TestCache_GetOrLoadWhenRedisDown(t *testing.T) {
	mr, c := newTestCache(t)
	mr.Close()

	v, hit, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (record, error) {
		return record{ID: "source"}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "source", v.ID)
}

func TestCache_InvalidateAndLen(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), record{ID: "v"}, 0))
	}
	require.NoError(t, mr.Set("other:key", "x"))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, c.Invalidate(ctx, "k0", "k1"))
	require.NoError(t, c.Invalidate(ctx))
	n, err = c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("other:key"))
}

func TestCache_SharedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c, err := New[record](context.Background(), client, Config{KeyPrefix: "shared"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	// 共享客户端在 Close 后仍然可用
	assert.NoError(t, client.Ping(context.Background()).Err())

	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Set(context.Background(), "k", record{}, 0), ErrClosed)
}

func TestCache_ConnectFailure(t *testing.T) {
	c, err := Dial[record](context.Background(), Config{Addr: "localhost:1"}, zap.NewNop())
	assert.Nil(t, c)
	assert.Error(t, err)

	_, err = New[record](context.Background(), nil, Config{}, nil)
	assert.Error(t, err)
}
