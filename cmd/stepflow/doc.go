// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 stepflow 命令行程序入口。

# 概述

cmd/stepflow 按 YAML 配置装配工作流运行时（日志、遥测、Prometheus 指标、
会话存储、事件外发、后台 goroutine 池），运行内置的 text-insights
示例流水线，并提供会话管理与数据库迁移子命令。

# 子命令

  - run       — 运行流水线，支持 --stream 事件流与 --background 后台运行
  - sessions  — list / show / rename / delete
  - runs      — get <session> <run>
  - migrate   — up / down / steps / goto / force / status / version / info / reset
  - version   — 版本信息，Version、BuildTime、GitCommit 通过 ldflags 注入

# 示例流水线

text-insights 覆盖全部组合步骤：normalize 函数步骤、analyze 并行统计
（word_count 与 keywords）、long_text 条件摘要、headline 循环缩短标题，
以及按 additional_data.format 选择报告生成器的 format 路由。
*/
package main
