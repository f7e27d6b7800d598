// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责 SQL 会话存储的连接建立与连接池管理，基于 GORM。

# 概述

Open 根据 config.DatabaseConfig 选择方言并打开连接：postgres 与
mysql 使用对应的 GORM 驱动，"sqlite" 使用纯 Go 的 glebarez/sqlite，
"sqlite3" 使用基于 cgo 的 gorm.io/driver/sqlite。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()，后台定时探活。
  - PoolConfig：连接池参数，Validate 校验上下限。
  - TransactionFunc：WithTransaction / WithTransactionRetry 的回调，
    后者对死锁、序列化失败等错误做指数退避重试。
*/
package database
