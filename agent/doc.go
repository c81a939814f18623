// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

/*
包 agent 实现证明流水线的调度工作进程。

# 概述

每个 Agent 绑定一种工作类型，循环地从队列领取该类型的任务，
解码任务定义后交给 stage.Registry 中注册的处理器执行。处理成功时
Agent 根据作业计划计算下游任务，并与完成状态一起原子提交；
处理失败时按任务的重试预算退回或直接失败。

# 核心类型

  - Agent：轮询循环、超时回收扫描与后台组件的生命周期管理
  - Submitter：创建作业及其首个任务，供 REST、命令行与远程通道复用
  - Config / StagesConfig：轮询、回收与各阶段重试/超时参数
  - Reporter：远程作业的任务完成通知接口
  - Runner：随 Agent 一起运行的后台组件，例如远程任务消费者

# 主要能力

  - 执行器完成后生成作业计划并保存到作业上，后续任务按计划派生
  - Finalize 超时按假设数量放大
  - 过期领取（任务已被回收）的完成或失败上报被视为空操作
  - 关闭信号通过 context 传递，正在执行的任务不受取消影响
*/
package agent
