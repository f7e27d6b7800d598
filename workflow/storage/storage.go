package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Backend 是所有会话存储实现共同满足的接口
type Backend interface {
	workflow.Storage
	workflow.SessionLister
	workflow.ModeSetter
	io.Closer
}

// Backend names，用于日志与指标标签
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	BackendMongo  = "mongo"
)

// =============================================================================
// 公共辅助
// =============================================================================

// modeTag 保存 SetMode 设置的模式，Upsert 时写入未设置模式的会话
type modeTag struct {
	mode atomic.Value
}

func (m *modeTag) SetMode(mode string) {
	m.mode.Store(mode)
}

func (m *modeTag) currentMode() string {
	mode, _ := m.mode.Load().(string)
	return mode
}

// prepare 校验会话并返回带模式的副本，调用方的对象不会被修改
func (m *modeTag) prepare(session *workflow.Session) (*workflow.Session, []byte, error) {
	if session == nil {
		return nil, nil, types.NewError(types.ErrStorage, "session is nil")
	}
	if session.SessionID == "" {
		return nil, nil, types.NewError(types.ErrStorage, "session_id is required")
	}

	data, err := encodeSession(session)
	if err != nil {
		return nil, nil, err
	}
	out, err := decodeSession(data)
	if err != nil {
		return nil, nil, err
	}
	if out.Mode == "" {
		if mode := m.currentMode(); mode != "" {
			out.Mode = mode
			if data, err = encodeSession(out); err != nil {
				return nil, nil, err
			}
		}
	}
	return out, data, nil
}

func encodeSession(s *workflow.Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, storageError("encode session", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*workflow.Session, error) {
	var s workflow.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, storageError("decode session", err)
	}
	return &s, nil
}

func notFound(sessionID string) error {
	return fmt.Errorf("%w: %s", workflow.ErrSessionNotFound, sessionID)
}

func storageError(op string, err error) error {
	return types.NewError(types.ErrStorage, op+" failed").WithCause(err)
}

// sortAndLimit 按 UpdatedAt 倒序排列并截断
func sortAndLimit(sessions []*workflow.Session, limit int) []*workflow.Session {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt != sessions[j].UpdatedAt {
			return sessions[i].UpdatedAt > sessions[j].UpdatedAt
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storageError("context", err)
	}
	return nil
}
