package eventbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/workflow"
)

// DefaultSubjectPrefix 是未配置前缀时的主题前缀
const DefaultSubjectPrefix = "stepflow.events"

// Publisher 是 NATSSink 需要的最小发布接口，*nats.Conn 满足该接口
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink 把工作流事件发布到 <prefix>.<workflow_id>。
// 消息体是事件 JSON，附加 published_at（毫秒）。
type NATSSink struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewNATSSink 使用已有的发布者创建 sink，Close 不会关闭它
func NewNATSSink(pub Publisher, prefix string, logger *zap.Logger) *NATSSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With(zap.String("component", "nats_sink")),
		now:    time.Now,
	}
}

// ConnectNATS 按配置建立连接，返回的 sink 拥有该连接
func ConnectNATS(cfg config.NATSConfig, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.ClientName
	if name == "" {
		name = "stepflow"
	}

	log := logger.With(zap.String("component", "nats_sink"))
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Compression(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}

	sink := NewNATSSink(conn, cfg.SubjectPrefix, logger)
	sink.conn = conn
	return sink, nil
}

// Subject 返回某个工作流的事件主题
func (s *NATSSink) Subject(workflowID string) string {
	return s.prefix + "." + subjectToken(workflowID)
}

// Publish 实现 workflow.EventSink
func (s *NATSSink) Publish(ctx context.Context, ev workflow.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := workflow.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	data, err = sjson.SetBytes(data, "published_at", s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("stamp %s event: %w", ev.EventType(), err)
	}

	subject := s.Subject(gjson.GetBytes(data, "workflow_id").String())
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.EventType(), subject, err)
	}
	return nil
}

// Close 刷出缓冲并关闭自己创建的连接
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

// subjectToken 把 ID 转成单个合法的主题 token
func subjectToken(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}

var _ workflow.EventSink = (*NATSSink)(nil)
