// Copyright 2026 DAGFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 DAGFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout，测试结束时自动取消
  - 工作流辅助: WaitForTerminal / WaitForStatus 基于 testify 的
    require.Eventually 轮询执行状态
  - 数据工具: MustJSON

# 子包

  - testutil/mocks: MockStepHandler，支持 Builder 模式、按步骤预设结果、
    前 N 次失败与延迟注入
  - testutil/fixtures: 测试数据工厂，提供扇出、串联、分支、审批与
    agent 步骤的工作流定义以及 Agent 实例
  - testutil/storetest: workflow.Store 一致性测试套件，所有存储后端共用

# 使用示例

	handler := mocks.NewEchoHandler().WithFailures("B", 1)
	engine := workflow.NewEngine(nil, workflow.WithHandlers(registry))
	id, _ := engine.CreateDefinition(ctx, fixtures.FanOutDefinition())
	execID, _ := engine.Execute(ctx, id, nil)
	view := testutil.WaitForTerminal(t, engine, execID, 5*time.Second)
*/
package testutil
