// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 remote 实现远程任务通道：工作节点从远程协调端拉取证明任务，
转换为本地作业，并在完成后回传进度与结果。

# 概述

通道基于 WebSocket（github.com/coder/websocket），每个调用使用独立连接，
消息以 JSON 文本帧传输。大对象按分块协议传输：先发送一个元数据帧，
再发送若干不超过 1 MiB 的数据块。

# 核心类型

  - TaskAssignment：Stark 或 Groth16 任务分配
  - Client / AssignmentStream：工作节点侧的调用与任务流
  - Server / Backend / MemoryBackend：协调端实现，MemoryBackend 用于 hub 命令与测试
  - Chunker / Assembler：分块切分与重组
  - Converter：校验镜像 ID、落盘输入并创建作业（作业 ID 即任务 ID）
  - Consumer：断线指数退避重连的任务消费循环，实现 agent.Runner
  - Reporter：实现 agent.Reporter，尽力上报进度并上传最终收据

# 主要能力

  - 镜像 ID 不匹配时返回校验错误，不入队任何任务
  - 重复投递的任务分配通过 internal/dedupe 丢弃
  - 进度与结果上传失败只记录日志，不重试
*/
package remote
