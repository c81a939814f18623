// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理任务队列表结构（jobs、tasks、streams）的版本化迁移，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 文件通过 embed.FS 内嵌在 migrations/<dialect> 目录，
与 taskdb 的 GORM 模型保持一致。生产环境推荐使用迁移而非 AutoMigrate，
以便审计与回滚。

# 核心类型

  - Migrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close。
  - DefaultMigrator：golang-migrate 实现，ctx 取消时优雅停止，日志接入 zap。
  - Config：驱动名、DSN、版本表名与锁超时。
  - CLI：proofflow migrate 子命令的格式化输出层。

# 主要能力

  - NewMigrator 自行打开连接；NewMigratorWithDB 复用已有 *sql.DB。
  - MigrateUp 供服务启动时一次性应用迁移。
  - sqlite 驱动由调用方注册，迁移包本身不绑定具体 SQLite 实现。
*/
package migration
