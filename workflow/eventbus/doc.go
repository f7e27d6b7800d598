/*
包 eventbus 把工作流事件转发到进程外。

  - NATSSink：发布到 <prefix>.<workflow_id>，消息体为事件 JSON
    加 published_at 毫秒时间戳，订阅方可用 workflow.DecodeEvent 还原。
  - LogSink：以结构化字段写入 zap 日志。

FromConfig 按 config.EventsConfig 组装，结果传给 workflow.WithEventSinks。
*/
package eventbus
