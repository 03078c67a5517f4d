// 版权所有 2024 DAGFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、
工作流执行、步骤、审批、事件与数据库连接池。

# 概述

Collector 通过 promauto.With 注册到调用方提供的 Registerer（为空时使用
默认 Registry），同时实现 workflow.MetricsRecorder，可直接通过
workflow.WithMetrics 注入引擎。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 执行指标：终态计数与耗时（按 status），活跃执行数 Gauge。
  - 步骤指标：终态计数（按 step_type/status）、耗时、尝试次数、重试次数。
  - 审批指标：approved / rejected / timeout 计数。
  - 事件指标：按 event_type 的发布计数与外部投递失败计数。
  - 数据库指标：按 open/idle/in_use 状态的连接数与累计等待次数，由 RecordDBStats 上报 sql.DBStats。
  - 工作池指标：ObservePool 以 GaugeFunc/CounterFunc 暴露 worker、队列与拒绝计数，抓取时实时读取。
*/
package metrics
