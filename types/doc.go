// Copyright (c) DAGFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 DAGFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、store、api
等上层模块提供统一的错误体系与 Context 传播约定，避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误，含 HTTP 状态码与 Retryable 标记
  - Coded             — 领域错误自带错误码的接口

# 主要能力

  - Context 传播：WithTraceID / WithRequestID / WithTenantID / WithUserID /
    WithRoles / WithExecutionID
  - 错误工具链：GetErrorCode / IsRetryable
*/
package types
