/*
Package store 提供 workflow.Store 的持久化实现。

# 概述

GormStore 基于 GORM 将定义、执行与步骤记录写入关系型数据库，
支持 PostgreSQL、MySQL 与 SQLite；RedisStore 以 JSON 文档加
有序集合索引的方式存储同样的数据，适合多实例部署。
RedisEventSink 把引擎事件发布到 Redis Pub/Sub 频道。

# 核心类型

  - GormStore：关系型存储，步骤记录以 (execution_id, step_id) 为主键 upsert。
  - RedisStore：Redis 存储，按创建时间维护执行与定义索引。
  - RedisEventSink：实现 workflow.EventSink，使用池化缓冲区编码事件。
  - Open：根据 config.Config 选择后端并返回 Backend。
*/
package store
