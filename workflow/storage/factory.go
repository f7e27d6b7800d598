package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/cache"
	"github.com/BaSui01/stepflow/internal/database"
	"github.com/BaSui01/stepflow/internal/migration"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 🏭 按配置创建存储
// =============================================================================

// DBStatsRecorder 接收数据库连接池统计
type DBStatsRecorder interface {
	RecordDBConnections(database string, open, idle int)
}

type openOptions struct {
	ops   OpRecorder
	cache CacheRecorder
	db    DBStatsRecorder
}

// Option 配置 Open
type Option func(*openOptions)

// WithOpRecorder 为返回的存储加上操作指标
func WithOpRecorder(r OpRecorder) Option {
	return func(o *openOptions) { o.ops = r }
}

// WithCacheRecorder 上报读缓存命中率
func WithCacheRecorder(r CacheRecorder) Option {
	return func(o *openOptions) { o.cache = r }
}

// WithDBStatsRecorder 上报 SQL 连接池状态
func WithDBStatsRecorder(r DBStatsRecorder) Option {
	return func(o *openOptions) { o.db = r }
}

// Open 按 cfg.Type 创建存储，并按需叠加读缓存与指标
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger, opts ...Option) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &openOptions{}
	for _, opt := range opts {
		opt(o)
	}

	kind := strings.ToLower(cfg.Type)
	if kind == "" {
		kind = BackendMemory
	}

	backend, err := openBackend(ctx, kind, cfg, logger, o)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Enabled {
		sessions, err := openCache(ctx, backend, cfg, logger)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		backend = NewCachedStorage(backend, sessions, cfg.Cache.TTL, o.cache, logger)
	}

	if o.ops != nil {
		backend = NewInstrumentedStorage(backend, kind, o.ops)
	}

	logger.Info("session storage opened",
		zap.String("type", kind),
		zap.Bool("cache", cfg.Cache.Enabled),
	)
	return backend, nil
}

func openBackend(ctx context.Context, kind string, cfg config.StorageConfig, logger *zap.Logger, o *openOptions) (Backend, error) {
	switch kind {
	case BackendMemory:
		return NewMemoryStorage(), nil

	case BackendFile:
		return NewFileStorage(cfg.Dir, cfg.KeyPrefix, logger)

	case BackendRedis:
		return NewRedisStorage(ctx, RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			KeyPrefix:    cfg.KeyPrefix,
			TTL:          cfg.Redis.TTL,
		}, logger)

	case BackendSQL:
		return openSQL(ctx, cfg.Database, logger, o.db)

	case BackendMongo:
		return NewMongoStorage(ctx, MongoOptions{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    cfg.Mongo.Timeout,
		}, logger)

	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

func openSQL(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger, rec DBStatsRecorder) (*SQLStorage, error) {
	pool, err := database.Open(dbCfg, logger)
	if err != nil {
		return nil, storageError("open database", err)
	}
	if rec != nil {
		name := dbCfg.Driver
		pool.OnStats(func(stats sql.DBStats) {
			rec.RecordDBConnections(name, stats.OpenConnections, stats.Idle)
		})
	}

	if dbCfg.AutoMigrate {
		if err := migrateSQL(ctx, pool, dbCfg.Driver, logger); err != nil {
			_ = pool.Close()
			return nil, err
		}
	}
	return NewSQLStorage(pool, logger), nil
}

// migrateSQL 在存储自己的连接上执行全部待执行迁移
func migrateSQL(ctx context.Context, pool *database.PoolManager, driver string, logger *zap.Logger) error {
	dbType, err := migration.ParseDatabaseType(driver)
	if err != nil {
		return storageError("migrate", err)
	}
	sqlDB, err := pool.DB().DB()
	if err != nil {
		return storageError("migrate", err)
	}

	m, err := migration.NewMigratorWithDB(dbType, sqlDB, logger)
	if err != nil {
		return storageError("migrate", err)
	}
	defer m.Close()

	if err := m.Up(ctx); err != nil {
		return storageError("migrate", err)
	}
	return nil
}

// openCache 创建会话读缓存。Redis 存储与缓存共用一个客户端。
func openCache(ctx context.Context, backend Backend, cfg config.StorageConfig, logger *zap.Logger) (*cache.Cache[workflow.Session], error) {
	cacheCfg := cache.DefaultConfig()
	if cfg.KeyPrefix != "" {
		cacheCfg.KeyPrefix = cfg.KeyPrefix + ":cache"
	}
	if cfg.Cache.TTL > 0 {
		cacheCfg.TTL = cfg.Cache.TTL
	}

	var (
		sessions *cache.Cache[workflow.Session]
		err      error
	)
	if rs, ok := backend.(*RedisStorage); ok {
		sessions, err = cache.New[workflow.Session](ctx, rs.Client(), cacheCfg, logger)
	} else {
		if cfg.Redis.Addr == "" {
			return nil, storageError("open session cache", fmt.Errorf("storage.redis.addr is required when the cache is enabled"))
		}
		cacheCfg.Addr = cfg.Redis.Addr
		cacheCfg.Password = cfg.Redis.Password
		cacheCfg.DB = cfg.Redis.DB
		if cfg.Redis.PoolSize > 0 {
			cacheCfg.PoolSize = cfg.Redis.PoolSize
		}
		sessions, err = cache.Dial[workflow.Session](ctx, cacheCfg, logger)
	}
	if err != nil {
		return nil, storageError("open session cache", err)
	}
	return sessions, nil
}

// RedisClient 返回 redis 存储的客户端（穿透包装层），供其它组件共用；其它存储返回 nil
func RedisClient(b Backend) *redis.Client {
	for {
		switch v := b.(type) {
		case *RedisStorage:
			return v.Client()
		case interface{ Unwrap() Backend }:
			b = v.Unwrap()
		default:
			return nil
		}
	}
}
