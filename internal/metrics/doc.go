// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、任务调度、远程通道、缓存与数据库五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等向量指标。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 任务指标：按任务类型与结果（done/retry/failed/stale）计数，
    处理器耗时直方图，领取尝试与超时回收计数。
  - 远程通道指标：任务分配转换结果、结果上传、重连次数。
  - 缓存指标：流路由缓存命中与未命中。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
