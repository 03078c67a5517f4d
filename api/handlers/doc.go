// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 DAGFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了工作流定义注册、执行控制、审批与事件推送的 HTTP 端点，
以及健康检查和统一的响应/错误处理。所有 Handler 均遵循标准 net/http
接口，路由使用 Go 1.22 的 "METHOD /path/{id}" 模式注册。

# 核心类型

  - WorkflowHandler  — 定义 CRUD、启动/取消执行、审批、状态查询
  - WorkflowEngine   — Handler 依赖的引擎接口，*workflow.Engine 实现了它
  - StreamMessage    — WebSocket 事件流的帧（snapshot 或 event）
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、details、retryable
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 统一响应格式：WriteSuccess / WriteStatus / WriteError / WriteJSON
  - 领域错误映射：WriteDomainError 将 workflow 错误转换为 4xx/5xx
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）
  - 定义可用 JSON 或 YAML 提交，按 Content-Type 选择解码器
  - 事件推送：/api/v1/executions/{id}/events 与 /api/v1/events 使用 WebSocket
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
