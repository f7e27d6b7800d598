// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 stepflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、storage、
eventbus 等上层模块提供统一的类型契约。执行器接口、媒体类型与错误码
均定义于此，以避免循环依赖。

# 核心接口与类型

  - Agent / StreamingAgent / Team — 步骤执行器契约（外部协作者）
  - RunRequest / AgentResponse     — 执行器的输入与终态输出
  - Event                          — 事件流中的任意事件
  - ImageArtifact / VideoArtifact / AudioArtifact — 步骤产出的媒体
  - Image / Video / Audio          — 执行器接收的媒体
  - Error / ErrorCode              — 结构化错误，含 Retryable 与 Step 标记

# 主要能力

  - Context 传播：WithRunID / WithSessionID / WithWorkflowID / WithStepName 等
  - 错误工具链：AsError / IsErrorCode / IsRetryable / IsConfigError
*/
package types
