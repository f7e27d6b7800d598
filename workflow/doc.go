// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供步骤编排与执行引擎。

# 概述

Workflow 按声明顺序执行一组步骤。每个步骤接收 StepInput（原始输入、
上一步内容、所有历史输出、累积的媒体与会话状态快照），产出 StepOutput。
任何步骤的 Stop 标志都会提前结束本次运行，剩余步骤不再执行。

运行结果记录在 Session 中并通过 Storage 持久化，可按 run_id 取回。

# 核心接口与类型

  - Executable       — 可执行单元：Step 与所有组合结构
  - Executor         — 步骤执行器：Agent / Team / Func / Generator
  - Step             — 带重试、超时与 skip_on_failure 的叶子步骤
  - Steps            — 顺序子流水线
  - Loop             — 重复执行子步骤直到 EndCondition 或 MaxIterations
  - Parallel         — 并发执行子步骤，结果按声明顺序聚合
  - Condition        — 谓词为真时执行子步骤
  - Router           — Selector 选择要执行的子步骤
  - RunResponse      — 一次运行的状态、内容、逐步结果与指标
  - Event            — 事件流中的生命周期与内容事件

# 运行模式

  - Run / ARun             — 阻塞执行，返回最终 RunResponse
  - RunStream / ARunStream — 返回事件 channel，最后一个事件是终态事件
  - ARun + WithBackground  — 提交到 GoroutinePool，立即返回 pending 状态

# 可观测性

WithTracerProvider / WithMeterProvider 接入 OpenTelemetry，WithMetrics
接入 Prometheus 采集器，WithEventSinks 把事件转发到外部总线。
*/
package workflow
