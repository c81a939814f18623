// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 ProofFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 taskdb、agent、remote、
api 等上层模块提供统一的错误契约与 context 传播工具。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - Truncate：按字符截断持久化的错误信息

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithWorkerID / WithJobID
  - 错误工具链：AsError / IsErrorCode / IsRetryable
  - 常用错误构造：NewValidationError / NewNotFoundError / NewHandlerError
*/
package types
