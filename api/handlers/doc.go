// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 handlers 提供 ProofFlow REST API 的请求处理器。

# 概述

handlers 实现作业提交、制品上传下载与健康检查端点，均遵循标准
net/http 接口，路由由 cmd/proofflow 在 http.ServeMux 上注册。

# 核心类型

  - JobHandler：POST /v1/jobs 提交作业，GET /v1/jobs/{id} 查询状态
  - ArtifactHandler：上传镜像与输入，下载 STARK 收据
  - HealthHandler：/health、/healthz、/ready、/version
  - Response：统一 JSON 信封（success + data + error）
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 错误映射：types.ErrorCode 与队列、存储哨兵错误统一映射为 HTTP 状态码
  - 请求校验：DecodeJSONBody 严格模式与大小限制，镜像 ID 按 SHA-256 校验
  - 租户隔离：认证中间件写入租户 ID，作业查询只返回本租户作业
  - 就绪检查：RegisterCheck 注册队列、制品存储与 Redis 的 Ping
*/
package handlers
