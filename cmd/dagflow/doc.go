// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 DAGFlow 服务端程序入口。

# 概述

cmd/dagflow 是工作流编排服务的可执行入口，提供 HTTP API 服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集、OpenTelemetry 追踪以及配置热重载。

# 核心类型

  - Server       — 主服务器，组装存储、引擎、HTTP 与 Metrics 双端口并负责优雅关闭
  - Middleware   — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - RateLimiter  — 按租户或客户端 IP 的令牌桶限流，限额可热更新

# 主要能力

  - 子命令：serve、migrate、config（env 列出环境变量，check 校验配置）、
    health（--ready 探测就绪）、version，统一由命令表分发
  - 中间件链：Recovery、RequestID、OTelTracing、Observe（访问日志与 HTTP 指标）、
    SecurityHeaders、CORS、Authenticate（API Key 或 HS256 JWT）、RateLimiter
  - 定义文件监听：engine.watch_definitions 开启后，文件内容变化时注册新版本并停用旧版本
  - 内置步骤处理器：task（透传参数与输入）、http（JSON Webhook）
  - 启动时恢复被中断的执行，并预加载 engine.definition_files 中的定义
  - 配置热重载：日志级别与限流参数即时生效
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
