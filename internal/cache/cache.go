package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCacheMiss 键不存在或已过期
	ErrCacheMiss = errors.New("cache miss")
	// ErrClosed 缓存已关闭
	ErrClosed = errors.New("cache is closed")
)

// IsCacheMiss 判断是否为缓存未命中
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config 缓存配置
type Config struct {
	Addr       string        `yaml:"addr" json:"addr"`
	Password   string        `yaml:"password" json:"password"`
	DB         int           `yaml:"db" json:"db"`
	KeyPrefix  string        `yaml:"key_prefix" json:"key_prefix"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	PoolSize   int           `yaml:"pool_size" json:"pool_size"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		KeyPrefix:  "stepflow:cache",
		TTL:        5 * time.Minute,
		PoolSize:   10,
		MaxRetries: 3,
	}
}

// Stats 进程内的命中统计
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Loads  uint64 `json:"loads"`
}

// HitRate 返回命中率，没有请求时为 0
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// =============================================================================
// 💾 Cache
// =============================================================================

// Cache 把 T 以 JSON 存在 Redis 中，键统一加 KeyPrefix 命名空间。
// 同一个键的并发 GetOrLoad 只会调用一次 load。
type Cache[T any] struct {
	client    redis.UniversalClient
	ownClient bool
	prefix    string
	ttl       time.Duration
	logger    *zap.Logger

	group  singleflight.Group
	closed atomic.Bool

	hits   atomic.Uint64
	misses atomic.Uint64
	loads  atomic.Uint64
}

// Dial 按 cfg 建立自己的 Redis 连接，Close 时一并关闭
func Dial[T any](ctx context.Context, cfg Config, logger *zap.Logger) (*Cache[T], error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	})
	c, err := New[T](ctx, client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.ownClient = true
	return c, nil
}

// New 复用已有客户端，Close 不会关闭它
func New[T any](ctx context.Context, client redis.UniversalClient, cfg Config, logger *zap.Logger) (*Cache[T], error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	c := &Cache[T]{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "cache"), zap.String("key_prefix", cfg.KeyPrefix)),
	}
	c.logger.Debug("cache ready", zap.Duration("ttl", cfg.TTL))
	return c, nil
}

// Key 返回带命名空间的完整键
func (c *Cache[T]) Key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// Get 读取并解码 key，不存在时返回 ErrCacheMiss
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	data, err := c.raw(ctx, key)
	if err != nil {
		return zero, err
	}
	return decode[T](data)
}

func (c *Cache[T]) raw(ctx context.Context, key string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	data, err := c.client.Get(ctx, c.Key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrCacheMiss
	case err != nil:
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	return data, nil
}

func decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode cached value: %w", err)
	}
	return v, nil
}

// Set 编码并写入 value；ttl 为 0 时使用配置的 TTL
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.setRaw(ctx, key, data, ttl)
}

func (c *Cache[T]) setRaw(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	if err := c.client.Set(ctx, c.Key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// GetOrLoad 先读缓存，未命中或缓存不可用时调用 load 并回填。
// hit 表示结果来自缓存。load 的错误原样返回且不会被缓存。
func (c *Cache[T]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (T, error)) (value T, hit bool, err error) {
	data, err := c.raw(ctx, key)
	if err == nil {
		if value, err = decode[T](data); err == nil {
			c.hits.Add(1)
			return value, true, nil
		}
	}
	c.misses.Add(1)
	if !IsCacheMiss(err) {
		c.logger.Warn("cache read failed, loading from source", zap.String("key", key), zap.Error(err))
	}

	// 每个调用方各自解码，避免共享可变结果
	shared, err, _ := c.group.Do(key, func() (any, error) {
		c.loads.Add(1)
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode cache value: %w", err)
		}
		if err := c.setRaw(ctx, key, encoded, 0); err != nil {
			c.logger.Warn("cache fill failed", zap.String("key", key), zap.Error(err))
		}
		return encoded, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	value, err = decode[T](shared.([]byte))
	return value, false, err
}

// Invalidate 删除 keys
func (c *Cache[T]) Invalidate(ctx context.Context, keys ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Len 用 SCAN 统计命名空间下的键数
func (c *Cache[T]) Len(ctx context.Context) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	n := 0
	iter := c.client.Scan(ctx, 0, c.Key("*"), 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("cache scan: %w", err)
	}
	return n, nil
}

// Stats 返回命中统计
func (c *Cache[T]) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Loads:  c.loads.Load(),
	}
}

// Ping 检查 Redis 连接
func (c *Cache[T]) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.client.Ping(ctx).Err()
}

// Close 关闭缓存，可重复调用。共享的客户端不会被关闭。
func (c *Cache[T]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	stats := c.Stats()
	c.logger.Debug("cache closed",
		zap.Uint64("hits", stats.Hits),
		zap.Uint64("misses", stats.Misses),
		zap.Float64("hit_rate", stats.HitRate()))
	if !c.ownClient {
		return nil
	}
	return c.client.Close()
}
