package eventbus

import (
	"context"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/stepflow/workflow"
)

// LogSink 把事件写入 zap 日志。内容增量事件使用 Debug，其余使用 level。
type LogSink struct {
	logger *zap.Logger
	level  zapcore.Level
}

// NewLogSink 创建日志 sink
func NewLogSink(logger *zap.Logger, level zapcore.Level) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{
		logger: logger.With(zap.String("component", "event_log")),
		level:  level,
	}
}

// Publish 实现 workflow.EventSink
func (s *LogSink) Publish(_ context.Context, ev workflow.Event) error {
	level := s.level
	if ev.EventType() == workflow.EventStepContent {
		level = zapcore.DebugLevel
	}
	ce := s.logger.Check(level, "workflow event")
	if ce == nil {
		return nil
	}

	data, err := workflow.MarshalEvent(ev)
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.String("event", ev.EventType())}
	for _, key := range []string{"workflow_id", "session_id", "run_id", "step_name"} {
		if v := gjson.GetBytes(data, key); v.Exists() && v.String() != "" {
			fields = append(fields, zap.String(key, v.String()))
		}
	}
	if v := gjson.GetBytes(data, "step_index"); v.Exists() {
		fields = append(fields, zap.String("step_index", v.Raw))
	}
	if v := gjson.GetBytes(data, "error"); v.Exists() && v.String() != "" {
		fields = append(fields, zap.String("error", v.String()))
	}
	ce.Write(fields...)
	return nil
}

var _ workflow.EventSink = (*LogSink)(nil)
