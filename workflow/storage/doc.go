/*
包 storage 提供 workflow.Storage 的多种实现。

  - MemoryStorage：进程内，测试与单机默认。
  - FileStorage：每个会话一个 JSON 文件，原子替换写入。
  - RedisStorage：JSON 字符串加 ZSET 索引，可设置 TTL。
  - SQLStorage：gorm，表结构由 internal/migration 管理。
  - MongoStorage：mongo-driver v2，过滤字段与完整 JSON 分开存放。

CachedStorage 与 InstrumentedStorage 是可叠加的包装层，分别提供
Redis 读缓存与 Prometheus 指标。Open 按 config.StorageConfig 组装
以上各层。
*/
package storage
