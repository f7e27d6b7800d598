package workflow

import (
	"context"
	"time"

	"github.com/BaSui01/stepflow/types"
)

// SessionModeWorkflowV2 is the storage mode tag of workflow sessions.
const SessionModeWorkflowV2 = "workflow_v2"

// ErrSessionNotFound is returned by Storage.Read when no session exists.
// Backends wrap it, so compare with errors.Is.
var ErrSessionNotFound = types.NewError(types.ErrSessionNotFound, "session not found")

// ErrRunNotFound is returned when a run is not part of a session.
var ErrRunNotFound = types.NewError(types.ErrRunNotFound, "run not found")

// Session 是持久化的工作流会话，记录该会话下的所有运行。
type Session struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id,omitempty"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	WorkflowName string `json:"workflow_name,omitempty"`
	SessionName  string `json:"session_name,omitempty"`
	Mode         string `json:"mode,omitempty"`

	Runs []*RunResponse `json:"runs,omitempty"`

	// SessionData 保存 session_state 等会话级数据
	SessionData map[string]any `json:"session_data,omitempty"`
	// WorkflowData 保存工作流描述（名称、步骤列表）
	WorkflowData map[string]any `json:"workflow_data,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// UpsertRun replaces the run with the same RunID, or appends it.
func (s *Session) UpsertRun(run *RunResponse) {
	if run == nil {
		return
	}
	for i, existing := range s.Runs {
		if existing != nil && existing.RunID == run.RunID {
			s.Runs[i] = run
			return
		}
	}
	s.Runs = append(s.Runs, run)
}

// GetRun returns the run with the given id, or nil.
func (s *Session) GetRun(runID string) *RunResponse {
	for _, run := range s.Runs {
		if run != nil && run.RunID == runID {
			return run
		}
	}
	return nil
}

// SessionState returns the stored session state, or nil.
func (s *Session) SessionState() map[string]any {
	if s.SessionData == nil {
		return nil
	}
	state, _ := s.SessionData["session_state"].(map[string]any)
	return state
}

func (s *Session) touch() {
	now := time.Now().Unix()
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}

// =============================================================================
// Storage
// =============================================================================

// Storage 会话存储接口
type Storage interface {
	// Read 读取会话，不存在时返回包装了 ErrSessionNotFound 的错误
	Read(ctx context.Context, sessionID string) (*Session, error)
	// Upsert 写入会话并返回存储后的版本
	Upsert(ctx context.Context, session *Session) (*Session, error)
	// DeleteSession 删除会话，不存在时不报错
	DeleteSession(ctx context.Context, sessionID string) error
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	UserID     string
	WorkflowID string
	Limit      int
}

// Matches reports whether a session passes the filter.
func (f SessionFilter) Matches(s *Session) bool {
	if s == nil {
		return false
	}
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.WorkflowID != "" && s.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

// SessionLister is implemented by storages that can enumerate sessions.
// Results are ordered by UpdatedAt, newest first.
type SessionLister interface {
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
}

// ModeSetter is implemented by storages that tag records with a mode.
type ModeSetter interface {
	SetMode(mode string)
}
