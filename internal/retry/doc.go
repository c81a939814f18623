// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 retry 提供指数退避重试能力。

# 核心类型

  - Policy：最大重试次数、初始/最大延迟、倍增因子与抖动
  - Retryer：按 Policy 执行函数，Permanent 包装的错误立即返回
  - Backoff：无限重连循环使用的递增等待计数器

远程任务消费者用 Backoff 控制断线重连，服务启动时用 Retryer 等待数据库与 Redis 就绪。
*/
package retry
