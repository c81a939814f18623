// 版权所有 2024 ProofFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接打开、连接池管理与事务重试。

# 概述

本包根据驱动名选择 GORM 方言（postgres、mysql、纯 Go sqlite、cgo sqlite3），
并通过 PoolManager 统一管理连接生命周期。任务队列的 SQL 后端通过
TransactWithRetry 执行所有状态迁移，死锁、序列化失败与 sqlite 忙锁
会按指数退避自动重试。

# 核心类型

  - PoolManager：连接池管理器，提供 DB()、Ping()、Stats()、Close()。
  - PoolConfig：连接池配置，包含最大空闲连接数、最大打开连接数、
    连接最大生命周期、空闲超时与健康检查间隔。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 方言选择：Dialector / Open。
  - 健康检查：后台定时 PingContext 探活，Close 时退出。
  - 事务管理：WithTransactionRetry 与 TransactWithRetry 在死锁或忙锁时
    指数退避重试，队列的 SQL 事务都经由这里。
*/
package database
