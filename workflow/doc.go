// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供 DAG 工作流编排与执行引擎。

# 概述

workflow 包把带版本的工作流定义编译为有向无环图，按依赖分层调度步骤，
在每次执行内以有界并发运行 task、agent、condition 以及 parallel /
sequential 标记步骤，并持久化执行与步骤记录、广播生命周期事件。

# 核心接口与类型

  - Definition / Step    — 工作流定义与步骤，支持 JSON / YAML 编解码
  - Graph / Compile      — 编译后的图（依赖、分支门控、超时与重试设置）
  - DependencyResolver   — Kahn 算法分层，检测重名、未知依赖与环
  - Engine               — 定义注册、执行、状态查询、取消、审批与恢复
  - StepExecutor         — 单步执行（超时、指数退避重试、otel span）
  - StepHandler          — 由调用方注册的 task / agent 步骤处理器
  - AgentAssigner        — round_robin / least_loaded / capability_match /
    resource_based 四种分配策略
  - ApprovalGate         — 定义级与步骤级人工审批
  - Store / MemoryStore  — 定义、执行与步骤记录的持久化接口
  - Broadcaster          — 按 execution / step / global 通道分发事件

# 主要能力

  - 分支：condition 步骤输出 {"branch": bool}，未选中分支的步骤被跳过
  - 失败传播：失败或取消步骤的下游被跳过，独立分支继续运行；
    FailFast 开启时取消所有未开始的步骤
  - 尽力而为步骤：continue_on_failure 的失败记为 degraded 完成
  - 重试：max_retries=N 时最多尝试 N+1 次，handler 可用 Permanent 终止重试
  - 审批：超时后执行失败，拒绝后执行取消
  - 重启恢复：Recover 将上一进程遗留的未完成执行标记为失败
*/
package workflow
