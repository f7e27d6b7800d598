package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 🧪 通用后端行为
// =============================================================================

func newTestSession(id, user, wf string, updatedAt int64) *workflow.Session {
	return &workflow.Session{
		SessionID:    id,
		UserID:       user,
		WorkflowID:   wf,
		WorkflowName: "wf-" + wf,
		CreatedAt:    updatedAt - 10,
		UpdatedAt:    updatedAt,
		Runs: []*workflow.RunResponse{{
			RunID:      id + "-run-1",
			SessionID:  id,
			WorkflowID: wf,
			Status:     workflow.StatusCompleted,
			Content:    "done",
			StepResponses: []workflow.StepResult{
				workflow.Single(&workflow.StepOutput{StepName: "a", Content: "done", Success: true}),
			},
			Events: []workflow.Event{&workflow.StepCompletedEvent{
				BaseEvent: workflow.BaseEvent{Event: workflow.EventStepCompleted, RunID: id + "-run-1"},
				StepScope: workflow.StepScope{StepName: "a"},
				Content:   "done",
			}},
		}},
		SessionData:  map[string]any{"session_state": map[string]any{"counter": float64(2)}},
		WorkflowData: map[string]any{"name": "wf-" + wf},
	}
}

// runBackendSuite 对任意 Backend 运行同一组行为测试
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("ReadMissing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Read(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, workflow.ErrSessionNotFound))
	})

	t.Run("UpsertAndRead", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		in := newTestSession("s1", "u1", "wf1", 100)
		out, err := b.Upsert(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, "s1", out.SessionID)

		got, err := b.Read(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "wf1", got.WorkflowID)
		assert.Equal(t, "wf-wf1", got.WorkflowName)
		assert.Equal(t, int64(90), got.CreatedAt)
		assert.Equal(t, int64(100), got.UpdatedAt)
		require.Len(t, got.Runs, 1)
		assert.Equal(t, "s1-run-1", got.Runs[0].RunID)
		assert.Equal(t, workflow.StatusCompleted, got.Runs[0].Status)
		assert.Equal(t, "done", got.Runs[0].Content)
		require.Len(t, got.Runs[0].StepResponses, 1)
		assert.Equal(t, "a", got.Runs[0].StepResponses[0].Last().StepName)
		require.Len(t, got.Runs[0].Events, 1)
		completed, ok := got.Runs[0].Events[0].(*workflow.StepCompletedEvent)
		require.True(t, ok)
		assert.Equal(t, "done", completed.Content)
		assert.Equal(t, map[string]any{"counter": float64(2)}, got.SessionState())
		assert.Equal(t, "wf-wf1", got.WorkflowData["name"])
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Upsert(ctx, newTestSession("s1", "u1", "wf1", 100))
		require.NoError(t, err)

		updated := newTestSession("s1", "u1", "wf1", 200)
		updated.SessionName = "renamed"
		updated.Runs = append(updated.Runs, &workflow.RunResponse{RunID: "s1-run-2", Status: workflow.StatusError})
		_, err = b.Upsert(ctx, updated)
		require.NoError(t, err)

		got, err := b.Read(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.SessionName)
		assert.Equal(t, int64(200), got.UpdatedAt)
		require.Len(t, got.Runs, 2)
		assert.NotNil(t, got.GetRun("s1-run-2"))
	})

	t.Run("UpsertRejectsInvalid", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Upsert(ctx, nil)
		assert.True(t, types.IsErrorCode(err, types.ErrStorage))

		_, err = b.Upsert(ctx, &workflow.Session{})
		assert.True(t, types.IsErrorCode(err, types.ErrStorage))
	})

	t.Run("UpsertDoesNotMutateCaller", func(t *testing.T) {
		b := newBackend(t)
		b.SetMode(workflow.SessionModeWorkflowV2)

		in := newTestSession("s1", "u1", "wf1", 100)
		out, err := b.Upsert(context.Background(), in)
		require.NoError(t, err)
		assert.Empty(t, in.Mode)
		assert.Equal(t, workflow.SessionModeWorkflowV2, out.Mode)
	})

	t.Run("SetModeStampsRecords", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		b.SetMode(workflow.SessionModeWorkflowV2)

		_, err := b.Upsert(ctx, newTestSession("s1", "u1", "wf1", 100))
		require.NoError(t, err)

		explicit := newTestSession("s2", "u1", "wf1", 100)
		explicit.Mode = "custom"
		_, err = b.Upsert(ctx, explicit)
		require.NoError(t, err)

		got, err := b.Read(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, workflow.SessionModeWorkflowV2, got.Mode)

		got, err = b.Read(ctx, "s2")
		require.NoError(t, err)
		assert.Equal(t, "custom", got.Mode)
	})

	t.Run("DeleteSession", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Upsert(ctx, newTestSession("s1", "u1", "wf1", 100))
		require.NoError(t, err)
		require.NoError(t, b.DeleteSession(ctx, "s1"))

		_, err = b.Read(ctx, "s1")
		assert.True(t, errors.Is(err, workflow.ErrSessionNotFound))

		// 删除不存在的会话不报错
		assert.NoError(t, b.DeleteSession(ctx, "s1"))
	})

	t.Run("ListSessions", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		for _, s := range []*workflow.Session{
			newTestSession("a", "u1", "wf1", 100),
			newTestSession("b", "u1", "wf2", 300),
			newTestSession("c", "u2", "wf1", 200),
			newTestSession("d", "u1", "wf1", 300),
		} {
			_, err := b.Upsert(ctx, s)
			require.NoError(t, err)
		}

		all, err := b.ListSessions(ctx, workflow.SessionFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d", "c", "a"}, sessionIDs(all))

		byUser, err := b.ListSessions(ctx, workflow.SessionFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d", "a"}, sessionIDs(byUser))

		byBoth, err := b.ListSessions(ctx, workflow.SessionFilter{UserID: "u1", WorkflowID: "wf1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "a"}, sessionIDs(byBoth))

		limited, err := b.ListSessions(ctx, workflow.SessionFilter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d"}, sessionIDs(limited))

		none, err := b.ListSessions(ctx, workflow.SessionFilter{UserID: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ConcurrentUpserts", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := b.Upsert(ctx, newTestSession(fmt.Sprintf("s%d", i), "u1", "wf1", int64(100+i)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		all, err := b.ListSessions(ctx, workflow.SessionFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 10)
		assert.Equal(t, "s9", all[0].SessionID)
	})
}

func sessionIDs(sessions []*workflow.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}
	return ids
}

// =============================================================================
// 🧪 内存与文件存储
// =============================================================================

func TestMemoryStorage(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		return NewMemoryStorage()
	})
}

func TestMemoryStorage_ReadReturnsCopy(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	_, err := s.Upsert(ctx, newTestSession("s1", "u1", "wf1", 100))
	require.NoError(t, err)

	got, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	got.SessionName = "changed"

	again, err := s.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, again.SessionName)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStorage_CancelledContext(t *testing.T) {
	s := NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Upsert(ctx, newTestSession("s1", "u1", "wf1", 100))
	assert.True(t, types.IsErrorCode(err, types.ErrStorage))
	assert.Equal(t, 0, s.Len())
}

func TestFileStorage(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		s, err := NewFileStorage(t.TempDir(), "wf", nil)
		require.NoError(t, err)
		return s
	})
}

func TestFileStorage_SanitizesSessionID(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir, "wf", nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Upsert(ctx, newTestSession("../escape/me", "u1", "wf1", 100))
	require.NoError(t, err)

	assert.FileExists(t, s.path("../escape/me"))
	assert.Contains(t, s.path("../escape/me"), dir)

	got, err := s.Read(ctx, "../escape/me")
	require.NoError(t, err)
	assert.Equal(t, "../escape/me", got.SessionID)
}

func TestFileStorage_RequiresDir(t *testing.T) {
	_, err := NewFileStorage("", "", nil)
	assert.Error(t, err)
}
