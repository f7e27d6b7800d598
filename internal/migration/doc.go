// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 SQL 会话存储的 Schema 版本，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的迁移文件通过 embed.FS 内嵌在 migrations/<dialect>/ 下，
当前包含 workflow_sessions 表及其索引。版本记录保存在
DefaultTableName 表中。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 操作集。
  - NewMigratorWithDB：在 SQL 存储已打开的连接上执行迁移，
    Close 不关闭该连接。
  - CLI：stepflow migrate 子命令的终端输出层。

# 工厂函数

NewMigratorFromConfig 读取 config.Config 的 storage.database 段，
NewMigratorFromURL 直接使用连接串。
*/
package migration
