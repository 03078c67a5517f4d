// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理工作流存储的 SQL schema，支持 PostgreSQL、MySQL 与 SQLite。

# 概述

各方言的迁移脚本以 embed.FS 内嵌在 migrations/<dialect>/ 下，创建
workflow_definitions、workflow_executions 与 workflow_step_executions 三张表，
与 store.GormStore 的 GORM 模型保持一致（schema_test.go 用同一套存储契约测试
验证两者一致）。执行引擎为 golang-migrate，其日志转发到 zap。

# 核心类型

  - Migrator / SchemaMigrator：Up、Down、Reset、Goto、Force、Version、Status、Verify。
  - Report / Migration：迁移版本状态，供 status 命令与外部工具使用。
  - Console / Command / Op：dagflow migrate 子命令的执行与文本输出。
  - NewMigratorFromConfig / NewMigratorFromDatabaseConfig / NewMigratorFromURL：
    从应用配置或连接串创建迁移器。

# 取消

迁移操作接收 context；取消后 golang-migrate 在当前版本执行完毕时停止，
操作返回包装了 ctx.Err() 的错误，数据库不会停留在半个版本上。

SQLite 使用纯 Go 的 glebarez/go-sqlite 驱动，无需 CGO。
*/
package migration
