// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 stepflow 测试的共享工具和辅助函数。

# 概述

testutil 包为 workflow、storage、eventbus 与命令行的测试提供统一的
辅助能力，避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout，测试结束时自动取消
  - 事件流辅助: CollectChannel / EventTypes / FilterEvents，
    用于收集 RunStream 返回的事件并按类型比较
  - 异步断言: AssertEventuallyEqual，轮询等待后台运行状态收敛

# 子包

  - testutil/mocks: MockAgent / MockStreamingAgent / MockTeam，
    支持 Builder 模式、延迟、失败次数与调用记录
  - testutil/fixtures: AgentResponse 与图片、视频、音频样例

# 使用示例

	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent("writer").WithContent("draft")
	w := workflow.MustNew("demo", workflow.WithSteps(
		workflow.MustStep("write", workflow.WithAgent(agent))))
	events, err := w.RunStream(ctx, "topic")
	require.NoError(t, err)
	all := testutil.CollectChannel(ctx, events)
*/
package testutil
