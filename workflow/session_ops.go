package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// 会话管理
// =============================================================================

// LoadSession 加载当前会话；不存在时创建。force 为 true 时忽略已加载的会话重新读取。
func (w *Workflow) LoadSession(ctx context.Context, force bool) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID == "" {
		w.sessionID = newID()
	}
	return w.loadSessionLocked(ctx, w.sessionID, force)
}

func (w *Workflow) loadSessionLocked(ctx context.Context, sessionID string, force bool) (*Session, error) {
	if !force && w.session != nil && w.session.SessionID == sessionID {
		return w.session, nil
	}
	sess, found, err := w.fetchSessionLocked(ctx, sessionID, w.state, w.sessionName, w.userID)
	if err != nil {
		return nil, err
	}
	if found {
		w.adoptSessionLocked(sess)
	} else {
		w.session = sess
	}
	return sess, nil
}

// openSessionLocked binds a session other than the current one. The workflow
// defaults stay untouched; the session gets its own state.
func (w *Workflow) openSessionLocked(ctx context.Context, sessionID, userID string) (*Session, *sessionState, error) {
	state := w.newState()
	sess, found, err := w.fetchSessionLocked(ctx, sessionID, state, "", userID)
	if err != nil {
		return nil, nil, err
	}
	if found {
		if stored := sess.SessionState(); len(stored) > 0 {
			state.Apply(stored)
		}
	}
	return sess, state, nil
}

// fetchSessionLocked reads a session, or creates and saves a new one seeded
// with state. found reports whether it came from storage.
func (w *Workflow) fetchSessionLocked(ctx context.Context, sessionID string, state *sessionState, name, userID string) (*Session, bool, error) {
	if w.storage != nil {
		stored, err := w.storage.Read(ctx, sessionID)
		switch {
		case err == nil:
			return stored, true, nil
		case errors.Is(err, ErrSessionNotFound):
		default:
			return nil, false, types.Errorf(types.ErrStorage, "read session %s", sessionID).WithCause(err)
		}
	}

	sess := &Session{
		SessionID:    sessionID,
		UserID:       userID,
		WorkflowID:   w.workflowID,
		WorkflowName: w.name,
		SessionName:  name,
		Mode:         SessionModeWorkflowV2,
		WorkflowData: w.workflowData(),
		SessionData:  map[string]any{"session_state": state.Snapshot()},
	}
	sess.touch()
	if w.storage != nil {
		saved, err := w.storage.Upsert(ctx, sess)
		if err != nil {
			return nil, false, types.Errorf(types.ErrStorage, "create session %s", sessionID).WithCause(err)
		}
		if saved != nil {
			sess = saved
		}
	}
	w.logger.Debug("created new session", zap.String("session_id", sessionID))
	return sess, false, nil
}

// adoptSessionLocked makes a stored session current and restores its state.
func (w *Workflow) adoptSessionLocked(s *Session) {
	w.session = s
	if s.SessionName != "" && w.sessionName == "" {
		w.sessionName = s.SessionName
	}
	if w.userID == "" {
		w.userID = s.UserID
	}
	if stored := s.SessionState(); len(stored) > 0 {
		w.state.Apply(stored)
	}
}

// NewSession 丢弃当前会话，使用新的 session_id 创建会话
func (w *Workflow) NewSession(ctx context.Context) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.session = nil
	w.sessionID = newID()
	w.sessionName = ""
	w.state = newSessionState(nil, w.reducer)
	return w.loadSessionLocked(ctx, w.sessionID, true)
}

// RenameSession 重命名当前会话
func (w *Workflow) RenameSession(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID == "" {
		w.sessionID = newID()
	}
	sess, err := w.loadSessionLocked(ctx, w.sessionID, false)
	if err != nil {
		return err
	}
	w.sessionName = name
	sess.SessionName = name
	w.state.Set("session_name", name)
	return w.writeSessionLocked(ctx)
}

// DeleteSession 删除指定会话；若为当前会话则同时清空内存中的会话
func (w *Workflow) DeleteSession(ctx context.Context, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.storage != nil {
		if err := w.storage.DeleteSession(ctx, sessionID); err != nil {
			return types.Errorf(types.ErrStorage, "delete session %s", sessionID).WithCause(err)
		}
	}
	if w.session != nil && w.session.SessionID == sessionID {
		w.session = nil
	}
	return nil
}

// ReadFromStorage 从存储重新读取当前会话
func (w *Workflow) ReadFromStorage(ctx context.Context) (*Session, error) {
	if w.storage == nil {
		return nil, types.NewError(types.ErrInvalidConfig, "workflow has no storage")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID == "" {
		return nil, fmt.Errorf("%w: no session id", ErrSessionNotFound)
	}
	s, err := w.storage.Read(ctx, w.sessionID)
	if err != nil {
		return nil, err
	}
	w.adoptSessionLocked(s)
	return s, nil
}

// WriteToStorage 把当前会话写入存储
func (w *Workflow) WriteToStorage(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeSessionLocked(ctx)
}

func (w *Workflow) writeSessionLocked(ctx context.Context) error {
	if w.session == nil {
		return nil
	}
	return w.saveSessionLocked(ctx, w.session, w.state, true)
}

// saveSessionLocked stamps the session with the workflow description and
// state, then upserts it. own marks the workflow's current session, which
// also takes the workflow's session name and user.
func (w *Workflow) saveSessionLocked(ctx context.Context, sess *Session, state *sessionState, own bool) error {
	sess.WorkflowID = w.workflowID
	sess.WorkflowName = w.name
	if sess.SessionData == nil {
		sess.SessionData = make(map[string]any)
	}
	if own {
		sess.SessionName = w.sessionName
		if sess.UserID == "" {
			sess.UserID = w.userID
		}
		if w.sessionName != "" {
			sess.SessionData["session_name"] = w.sessionName
		}
	}
	sess.SessionData["session_state"] = state.Snapshot()
	sess.WorkflowData = w.workflowData()
	sess.Mode = SessionModeWorkflowV2
	sess.touch()

	if w.storage == nil {
		return nil
	}
	if _, err := w.storage.Upsert(ctx, sess); err != nil {
		return types.Errorf(types.ErrStorage, "write session %s", sess.SessionID).WithCause(err)
	}
	return nil
}

// sessionNameLocked returns the display name of the run's session.
func (w *Workflow) sessionNameLocked(rc *runContext) string {
	if rc.own {
		return w.sessionName
	}
	return rc.session.SessionName
}

// GetRun 返回指定运行：先查进行中的运行，再查存储
func (w *Workflow) GetRun(ctx context.Context, runID string) (*RunResponse, error) {
	w.mu.Lock()
	if run, ok := w.active[runID]; ok {
		w.mu.Unlock()
		return run.Snapshot(), nil
	}
	if w.session != nil {
		if run := w.session.GetRun(runID); run != nil {
			w.mu.Unlock()
			return run.Snapshot(), nil
		}
	}
	sessionID := w.sessionID
	w.mu.Unlock()

	if w.storage == nil || sessionID == "" {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	s, err := w.storage.Read(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	if run := s.GetRun(runID); run != nil {
		return run, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// CancelRun 取消一个进行中的后台运行
func (w *Workflow) CancelRun(runID string) bool {
	w.mu.Lock()
	cancel, ok := w.cancels[runID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
