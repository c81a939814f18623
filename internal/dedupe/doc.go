// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 dedupe 为至少一次投递提供幂等键。

远程任务通道可能在重连后重复推送同一个任务分配，消费者在转换前
先用任务 ID 领取幂等键，重复的分配会被丢弃。

# 核心类型

  - Store：Claim / Release 接口
  - RedisStore：基于 SETNX，多个工作进程共享
  - MemoryStore：进程内实现，用于开发与测试
*/
package dedupe
