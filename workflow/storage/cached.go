package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/cache"
	"github.com/BaSui01/stepflow/workflow"
)

// CacheRecorder 接收读缓存命中统计，metrics.Collector 满足该接口
type CacheRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

const sessionCacheType = "session"

// CachedStorage 在任意 Backend 前加一层 Redis 读缓存。
// Read 先查缓存，Upsert 写穿，DeleteSession 使缓存失效。
// 缓存故障只记录日志，不影响底层存储的结果。
type CachedStorage struct {
	Backend
	cache    *cache.Cache[workflow.Session]
	ttl      time.Duration
	recorder CacheRecorder
	logger   *zap.Logger
}

// NewCachedStorage 包装 backend。recorder 可以为 nil。
func NewCachedStorage(backend Backend, sessions *cache.Cache[workflow.Session], ttl time.Duration, recorder CacheRecorder, logger *zap.Logger) *CachedStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStorage{
		Backend:  backend,
		cache:    sessions,
		ttl:      ttl,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "session_cache")),
	}
}

func cacheKey(sessionID string) string {
	return "session:" + sessionID
}

// Read 读穿缓存。同一会话的并发未命中只回源一次。
func (c *CachedStorage) Read(ctx context.Context, sessionID string) (*workflow.Session, error) {
	sess, hit, err := c.cache.GetOrLoad(ctx, cacheKey(sessionID), func(ctx context.Context) (workflow.Session, error) {
		s, err := c.Backend.Read(ctx, sessionID)
		if err != nil {
			return workflow.Session{}, err
		}
		return *s, nil
	})
	if hit {
		c.hit()
	} else {
		c.miss()
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Upsert 写入底层存储后刷新缓存
func (c *CachedStorage) Upsert(ctx context.Context, session *workflow.Session) (*workflow.Session, error) {
	out, err := c.Backend.Upsert(ctx, session)
	if err != nil {
		// 写失败时缓存可能已过时
		c.invalidate(ctx, sessionIDOf(session))
		return nil, err
	}
	c.store(ctx, out)
	return out, nil
}

// DeleteSession 删除会话并清除缓存
func (c *CachedStorage) DeleteSession(ctx context.Context, sessionID string) error {
	err := c.Backend.DeleteSession(ctx, sessionID)
	c.invalidate(ctx, sessionID)
	return err
}

// Close 关闭缓存与底层存储
func (c *CachedStorage) Close() error {
	cacheErr := c.cache.Close()
	if err := c.Backend.Close(); err != nil {
		return err
	}
	return cacheErr
}

// Unwrap 返回被包装的存储
func (c *CachedStorage) Unwrap() Backend {
	return c.Backend
}

func (c *CachedStorage) store(ctx context.Context, sess *workflow.Session) {
	if sess == nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey(sess.SessionID), *sess, c.ttl); err != nil {
		c.logger.Warn("session cache write failed", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
}

func (c *CachedStorage) invalidate(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := c.cache.Invalidate(ctx, cacheKey(sessionID)); err != nil {
		c.logger.Warn("session cache invalidate failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *CachedStorage) hit() {
	if c.recorder != nil {
		c.recorder.RecordCacheHit(sessionCacheType)
	}
}

func (c *CachedStorage) miss() {
	if c.recorder != nil {
		c.recorder.RecordCacheMiss(sessionCacheType)
	}
}

func sessionIDOf(s *workflow.Session) string {
	if s == nil {
		return ""
	}
	return s.SessionID
}
