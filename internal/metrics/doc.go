// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的工作流指标采集。

# 概述

Collector 使用 promauto 注册指标，所有指标按 namespace 隔离。
NewCollector 注册到默认 Registry，NewCollectorWithRegistry 用于
测试或多实例场景。

# 指标

  - 工作流：运行总数（按终态）与运行耗时。
  - 步骤：执行总数（按 outcome）、耗时（按执行器类型）、重试次数。
  - 事件：按事件类型计数。
  - 存储：会话存储操作总数与耗时，按 backend/operation 分组。
  - 缓存与数据库：命中/未命中计数，连接数 Gauge。

Collector 满足 workflow.MetricsRecorder，可直接传给 workflow.WithMetrics。
*/
package metrics
