package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/workflow"
)

func newTestRedisStorage(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStorage) {
	t.Helper()
	mr := miniredis.RunT(t)

	s, err := NewRedisStorage(context.Background(), RedisOptions{
		Addr:      mr.Addr(),
		KeyPrefix: "test",
		TTL:       ttl,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestRedisStorage(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		_, s := newTestRedisStorage(t, 0)
		return s
	})
}

func TestRedisStorage_KeyLayout(t *testing.T) {
	mr, s := newTestRedisStorage(t, 0)
	ctx := context.Background()

	_, err := s.Upsert(ctx, newTestSession("s1", "u1", "wf1", 100))
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:session:s1"))
	score, err := mr.ZScore("test:sessions", "s1")
	require.NoError(t, err)
	assert.Equal(t, float64(100), score)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	assert.False(t, mr.Exists("test:session:s1"))
	members, _ := mr.ZMembers("test:sessions")
	assert.Empty(t, members)
}

func TestRedisStorage_TTLPrunesIndex(t *testing.T) {
	mr, s := newTestRedisStorage(t, time.Minute)
	ctx := context.Background()

	_, err := s.Upsert(ctx, newTestSession("s1", "u1", "wf1", 100))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("test:session:s1"))

	mr.FastForward(2 * time.Minute)

	_, err = s.Read(ctx, "s1")
	assert.ErrorIs(t, err, workflow.ErrSessionNotFound)

	sessions, err := s.ListSessions(ctx, workflow.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// 过期会话已从索引移除
	members, _ := mr.ZMembers("test:sessions")
	assert.Empty(t, members)
}

func TestRedisStorage_SharedClientNotClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStorageWithClient(client, "", 0, nil)
	assert.Equal(t, "stepflow:session:x", s.sessionKey("x"))
	require.NoError(t, s.Close())
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestRedisStorage_ConnectError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisStorage(ctx, RedisOptions{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}
