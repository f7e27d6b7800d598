// Package config 提供 Stepflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 STEPFLOW）的顺序加载，
// 覆盖日志、遥测、指标、工作流默认行为、会话存储与事件外发。
package config
