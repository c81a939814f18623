// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 tlsutil 集中提供加固的 TLS 配置。

# 概述

HTTP 服务端（internal/server）、Redis 连接（internal/cache）、
远程通道客户端（remote）以及 CLI 健康探测共用同一套 TLS 设置：
TLS 1.2 起步，仅 AEAD 密码套件。

# 主要能力

  - DefaultTLSConfig：服务端与 Redis 的 tls.Config。
  - SecureTransport / SecureHTTPClient：带超时的短请求客户端。
  - StreamingHTTPClient：无整体超时，供 websocket 长连接使用。
*/
package tlsutil
