// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的泛型 JSON 读缓存，会话存储的读缓存建立在其上。

# 核心类型

  - Cache[T]：值以 JSON（goccy/go-json）编码，键统一带 KeyPrefix 命名空间，
    提供 Get/Set/Invalidate/Len 以及读穿的 GetOrLoad。
  - Config：地址、密码、键前缀、TTL 与连接池大小。
  - Stats：进程内的命中、未命中与回源次数。

# 主要能力

  - 连接可以由 Dial 创建，也可以通过 New 与存储层共享。
  - GetOrLoad 用 singleflight 合并同一个键的并发回源；
    缓存故障时直接回源，不影响调用结果。
  - 提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
