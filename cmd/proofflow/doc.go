// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 ProofFlow 的命令行入口。

# 概述

cmd/proofflow 把任务队列、阶段调度、远程任务通道与 REST API 组装成
一个可执行文件。所有子命令共享同一套配置加载（YAML + PROOFFLOW_* 环境变量）、
zap 结构化日志与 OpenTelemetry 初始化，并在 SIGINT/SIGTERM 时优雅退出。

# 子命令

  - serve：REST API（上传镜像与输入、提交作业、查询状态、下载收据）与 /metrics
  - agent：调度工作进程，按工作类型领取任务；启用 remote 时同时消费远程任务
  - hub：内存协调端，提供远程任务通道与任务投递、进度和结果查询接口
  - migrate：数据库迁移（up、down、steps、goto、force、status 等）
  - submit：上传 ELF 与输入并提交作业，可等待完成并保存收据
  - health、version、help

# 中间件

  - Recovery、RequestID、OTelTracing、SecurityHeaders、RequestLogger
  - MetricsMiddleware：路径中的 ID 归一化为 :id，限制标签基数
  - RateLimiter：按客户端 IP 的令牌桶，限额可热更新
  - Authenticate：X-API-Key 或 HS256 JWT，身份写入租户上下文
  - BearerToken：协调端的固定令牌认证

# 热重载

配置文件变更时更新日志级别、Agent 轮询与回收参数以及限流参数；
其余字段需要重启进程生效。
*/
package main
