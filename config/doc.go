// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 config 提供 ProofFlow 的配置加载、校验与热重载。

# 概述

配置按「默认值 → YAML 文件 → PROOFFLOW_* 环境变量」的优先级合并，
各业务包（agent、remote、taskdb、artifact、cache、stage）的配置结构
直接嵌入 Config，环境变量名由 env tag 逐级拼接，例如
PROOFFLOW_AGENT_STAGES_PROVE_TIMEOUT。

# 核心类型

  - Config：完整配置，包含 server、agent、dev、remote、hub、queue、
    database、redis、artifacts、log、telemetry 各节。
  - Loader：Builder 模式加载器，加载后自动执行 Config.Validate。
  - HotReloadManager：轮询配置文件，变更后重新加载并通知回调。

# 主要能力

  - Validate 汇总所有配置错误一次返回。
  - DatabaseConfig.DSN 为 GORM 与迁移生成统一连接串。
  - DiffConfig 区分可热重载字段（日志级别、轮询间隔、限流）与需重启字段。
*/
package config
