package storage

import (
	"context"
	"sync"

	"github.com/BaSui01/stepflow/workflow"
)

// MemoryStorage 进程内会话存储，保存编码后的快照，每次读取都返回新副本
type MemoryStorage struct {
	modeTag
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemoryStorage 创建内存存储
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{sessions: make(map[string][]byte)}
}

// Read 读取会话
func (m *MemoryStorage) Read(ctx context.Context, sessionID string) (*workflow.Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(sessionID)
	}
	return decodeSession(data)
}

// Upsert 写入会话
func (m *MemoryStorage) Upsert(ctx context.Context, session *workflow.Session) (*workflow.Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	out, data, err := m.prepare(session)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[out.SessionID] = data
	m.mu.Unlock()
	return out, nil
}

// DeleteSession 删除会话
func (m *MemoryStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

// ListSessions 列出匹配的会话
func (m *MemoryStorage) ListSessions(ctx context.Context, filter workflow.SessionFilter) ([]*workflow.Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*workflow.Session, 0, len(m.sessions))
	for _, data := range m.sessions {
		s, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(s) {
			out = append(out, s)
		}
	}
	return sortAndLimit(out, filter.Limit), nil
}

// Len 返回会话数量
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close 无需释放资源
func (m *MemoryStorage) Close() error { return nil }
