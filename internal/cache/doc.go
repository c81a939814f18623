// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的共享连接管理。

# 概述

本包封装 go-redis 客户端，是进程内唯一的 Redis 入口。
流路由缓存（router）、远程任务去重（internal/dedupe）与
Redis 制品存储（artifact.RedisStore）都复用同一个 Manager。

# 核心类型

  - Manager：持有 Redis 客户端，提供 Get/GetBytes/Set/SetNX/Delete/
    Exists 以及 GetJSON/SetJSON。所有键自动加上 KeyPrefix。
  - Config：地址、密码、键前缀、默认 TTL、连接池、健康检查间隔与 TLS 开关。

# 主要能力

  - 幂等写入：SetNX 只在键不存在时写入，制品存储依赖它保证不覆盖。
  - 健康检查：后台定时 Ping，Close 后协程退出。
  - 错误语义：ErrCacheMiss 与 ErrClosed 哨兵错误，IsCacheMiss 判断未命中。
*/
package cache
