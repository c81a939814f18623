// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 telemetry 封装 OpenTelemetry SDK 初始化。

# 概述

Init 按 config.TelemetryConfig 创建 OTLP gRPC 的 trace 与 metric 导出器，
并注册为全局 provider。agent 的阶段调度、远程通道消费者与 HTTP 中间件
都通过 otel.Tracer 取全局 tracer，因此禁用遥测时它们自动退化为 noop。

# 核心类型

  - Providers：持有 TracerProvider 与 MeterProvider，Shutdown 时刷新。

# 主要能力

  - 采样：父 span 优先，根 span 按 SampleRate 比例采样。
  - BuildVersion：从构建信息读取版本号，供资源属性与 version 命令使用。
*/
package telemetry
