package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/workflow"
)

// RedisStorage 把会话保存为 JSON 字符串，并用有序集合按 UpdatedAt 建索引。
//
//	<prefix>:session:<id>  会话 JSON
//	<prefix>:sessions      ZSET，score 为 UpdatedAt
type RedisStorage struct {
	modeTag
	client    *redis.Client
	ownClient bool
	prefix    string
	ttl       time.Duration
	logger    *zap.Logger
}

// RedisOptions 创建 RedisStorage 的参数
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string
	// TTL 会话过期时间，0 表示永不过期
	TTL time.Duration
}

// NewRedisStorage 建立自己的连接
func NewRedisStorage(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageError("connect to redis", err)
	}

	s := NewRedisStorageWithClient(client, opts.KeyPrefix, opts.TTL, logger)
	s.ownClient = true
	return s, nil
}

// NewRedisStorageWithClient 使用已有客户端，Close 不会关闭它
func NewRedisStorageWithClient(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "stepflow"
	}
	return &RedisStorage{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_storage")),
	}
}

// Client 返回底层客户端，供读缓存共享连接
func (r *RedisStorage) Client() *redis.Client {
	return r.client
}

func (r *RedisStorage) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

func (r *RedisStorage) indexKey() string {
	return r.prefix + ":sessions"
}

// Read 读取会话
func (r *RedisStorage) Read(ctx context.Context, sessionID string) (*workflow.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, storageError("redis get", err)
	}
	return decodeSession(data)
}

// Upsert 在一个事务管道中写入会话与索引
func (r *RedisStorage) Upsert(ctx context.Context, session *workflow.Session) (*workflow.Session, error) {
	out, data, err := r.prepare(session)
	if err != nil {
		return nil, err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(out.SessionID), data, r.ttl)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(out.UpdatedAt), Member: out.SessionID})
		return nil
	})
	if err != nil {
		return nil, storageError("redis upsert", err)
	}

	r.logger.Debug("session written", zap.String("session_id", out.SessionID))
	return out, nil
}

// DeleteSession 删除会话与索引项
func (r *RedisStorage) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(sessionID))
		pipe.ZRem(ctx, r.indexKey(), sessionID)
		return nil
	})
	if err != nil {
		return storageError("redis delete", err)
	}
	return nil
}

// ListSessions 按索引倒序读取，过期的会话顺带从索引中清除
func (r *RedisStorage) ListSessions(ctx context.Context, filter workflow.SessionFilter) ([]*workflow.Session, error) {
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, storageError("redis list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageError("redis mget", err)
	}

	var (
		out   []*workflow.Session
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		s, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		if filter.Matches(s) {
			out = append(out, s)
		}
	}

	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.indexKey(), stale...).Err(); err != nil {
			r.logger.Warn("failed to prune session index", zap.Error(err))
		}
	}
	return sortAndLimit(out, filter.Limit), nil
}

// Close 关闭自己创建的连接
func (r *RedisStorage) Close() error {
	if !r.ownClient {
		return nil
	}
	return r.client.Close()
}
