// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
包 database 为 GormStore 提供数据库连接：按配置选择 postgres、mysql 或
纯 Go sqlite 方言，管理连接池参数，后台探活，以及带冲突重试的事务。

# 核心类型

  - PoolManager：持有 GORM 实例与底层 sql.DB。DB、Ping、Stats、Close 之外，
    ConsecutiveFailures 暴露后台探活的连续失败次数。
  - PoolConfig：连接池参数、探活间隔与慢查询阈值。
  - GormLogger：gorm logger.Interface 的 zap 实现，SQL 错误、慢查询与跟踪分级输出。

# 事务重试

WithTransactionRetry 只重试并发冲突与瞬时连接故障。判定依据是驱动的类型化
错误：pgconn.PgError 的 SQLSTATE（40001、40P01、55P03）、MySQLError 的错误号
（1205、1213）与 driver.ErrBadConn；sqlite 的 SQLITE_BUSY 按消息识别。
约束冲突等逻辑错误直接返回。
*/
package database
