// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 server 提供 HTTP 服务器生命周期管理，由 ctx 驱动启动与优雅关闭。

# 概述

Manager 封装 net/http.Server。proofflow 的 REST API、协调端 websocket
以及 metrics 端点各持有一个 Manager，并在同一个 errgroup 中运行，
进程收到信号后统一取消 ctx。

# 核心类型

  - Manager：Listen/Run/Shutdown/Addr/IsRunning。
  - Config：监听地址、读写超时、关闭超时与可选 TLS 证书。

# 主要能力

  - Run 阻塞直到 ctx 取消或服务异常退出，随后在超时内排空连接。
  - 配置证书后使用 tlsutil 的加固 TLS 配置。
*/
package server
