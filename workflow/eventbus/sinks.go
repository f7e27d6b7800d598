package eventbus

import (
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/workflow"
)

// Sinks 是按配置创建的一组事件接收端
type Sinks struct {
	sinks  []workflow.EventSink
	closer []func() error
}

// FromConfig 按 EventsConfig 创建接收端。没有启用任何接收端时返回空集合。
func FromConfig(cfg config.EventsConfig, logger *zap.Logger) (*Sinks, error) {
	s := &Sinks{}
	if cfg.LogEvents {
		s.sinks = append(s.sinks, NewLogSink(logger, zapcore.InfoLevel))
	}
	if cfg.NATS.Enabled {
		ns, err := ConnectNATS(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		s.sinks = append(s.sinks, ns)
		s.closer = append(s.closer, ns.Close)
	}
	return s, nil
}

// List 返回可传给 workflow.WithEventSinks 的接收端
func (s *Sinks) List() []workflow.EventSink {
	return s.sinks
}

// Close 关闭拥有连接的接收端
func (s *Sinks) Close() error {
	var errs []error
	for _, c := range s.closer {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
