package workflow

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/BaSui01/stepflow/types"
)

// RunStatus 运行状态
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// RunResponse 是一次工作流运行的记录。运行期间由驱动器原地更新，
// 进入终态后不再变化。并发读取请使用 Snapshot。
type RunResponse struct {
	RunID        string    `json:"run_id"`
	SessionID    string    `json:"session_id"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	CreatedAt    int64     `json:"created_at"`
	Status       RunStatus `json:"status"`

	Content       any          `json:"content,omitempty"`
	StepResponses []StepResult `json:"step_responses,omitempty"`

	Images []types.ImageArtifact `json:"images,omitempty"`
	Videos []types.VideoArtifact `json:"videos,omitempty"`
	Audio  []types.AudioArtifact `json:"audio,omitempty"`

	WorkflowMetrics *WorkflowMetrics `json:"workflow_metrics,omitempty"`
	Events          []Event          `json:"-"`
	ExtraData       map[string]any   `json:"extra_data,omitempty"`

	mu         sync.RWMutex
	doneOnce   sync.Once
	closeOnce  sync.Once
	done       chan struct{}
	background bool
}

func newRunResponse(id runIdentity, status RunStatus) *RunResponse {
	return &RunResponse{
		RunID:        id.RunID,
		SessionID:    id.SessionID,
		WorkflowID:   id.WorkflowID,
		WorkflowName: id.WorkflowName,
		CreatedAt:    time.Now().Unix(),
		Status:       status,
	}
}

// doneCh 惰性创建 done；解码或快照得到的终态运行直接返回已关闭的通道
func (r *RunResponse) doneCh() chan struct{} {
	r.doneOnce.Do(func() {
		r.done = make(chan struct{})
		if r.Status.IsTerminal() {
			r.markDone()
		}
	})
	return r.done
}

// markDone closes done exactly once.
func (r *RunResponse) markDone() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Done 在运行进入终态时关闭
func (r *RunResponse) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doneCh()
}

// GetStatus 返回当前状态
func (r *RunResponse) GetStatus() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status
}

// Wait blocks until the run is terminal and returns a snapshot.
func (r *RunResponse) Wait(ctx context.Context) (*RunResponse, error) {
	select {
	case <-r.Done():
		return r.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// update mutates the run under its lock. Terminal runs are left untouched.
func (r *RunResponse) update(fn func(r *RunResponse)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status.IsTerminal() {
		return false
	}
	fn(r)
	if r.Status.IsTerminal() {
		r.doneCh()
		r.markDone()
	}
	return true
}

func (r *RunResponse) setStatus(status RunStatus) bool {
	return r.update(func(r *RunResponse) { r.Status = status })
}

// finish moves the run into a terminal status.
func (r *RunResponse) finish(status RunStatus, content any) bool {
	return r.update(func(r *RunResponse) {
		r.Content = content
		r.Status = status
	})
}

func (r *RunResponse) appendEvent(ev Event) {
	r.mu.Lock()
	r.Events = append(r.Events, ev)
	r.mu.Unlock()
}

// markBackground claims the run for a background task. Only the first call succeeds.
func (r *RunResponse) markBackground() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.background {
		return false
	}
	r.background = true
	return true
}

// Snapshot 返回一致的副本
func (r *RunResponse) Snapshot() *RunResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyLocked()
}

func (r *RunResponse) copyLocked() *RunResponse {
	cp := &RunResponse{
		RunID:           r.RunID,
		SessionID:       r.SessionID,
		WorkflowID:      r.WorkflowID,
		WorkflowName:    r.WorkflowName,
		CreatedAt:       r.CreatedAt,
		Status:          r.Status,
		Content:         r.Content,
		StepResponses:   append([]StepResult(nil), r.StepResponses...),
		Images:          append([]types.ImageArtifact(nil), r.Images...),
		Videos:          append([]types.VideoArtifact(nil), r.Videos...),
		Audio:           append([]types.AudioArtifact(nil), r.Audio...),
		WorkflowMetrics: r.WorkflowMetrics,
		Events:          append([]Event(nil), r.Events...),
		ExtraData:       copyState(r.ExtraData),
	}
	return cp
}

// runRecord is the stored form of a run.
type runRecord struct {
	RunID        string    `json:"run_id"`
	SessionID    string    `json:"session_id"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	CreatedAt    int64     `json:"created_at"`
	Status       RunStatus `json:"status"`

	Content       any          `json:"content,omitempty"`
	StepResponses []StepResult `json:"step_responses,omitempty"`

	Images []types.ImageArtifact `json:"images,omitempty"`
	Videos []types.VideoArtifact `json:"videos,omitempty"`
	Audio  []types.AudioArtifact `json:"audio,omitempty"`

	WorkflowMetrics *WorkflowMetrics `json:"workflow_metrics,omitempty"`
	Events          eventList        `json:"events,omitempty"`
	ExtraData       map[string]any   `json:"extra_data,omitempty"`
}

// MarshalJSON encodes the run, including stored events.
func (r *RunResponse) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := runRecord{
		RunID:           r.RunID,
		SessionID:       r.SessionID,
		WorkflowID:      r.WorkflowID,
		WorkflowName:    r.WorkflowName,
		CreatedAt:       r.CreatedAt,
		Status:          r.Status,
		Content:         r.Content,
		StepResponses:   r.StepResponses,
		Images:          r.Images,
		Videos:          r.Videos,
		Audio:           r.Audio,
		WorkflowMetrics: r.WorkflowMetrics,
		Events:          eventList(r.Events),
		ExtraData:       r.ExtraData,
	}
	return json.Marshal(&rec)
}

// UnmarshalJSON decodes a stored run. Events are restored to their typed form.
func (r *RunResponse) UnmarshalJSON(data []byte) error {
	var rec runRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RunID = rec.RunID
	r.SessionID = rec.SessionID
	r.WorkflowID = rec.WorkflowID
	r.WorkflowName = rec.WorkflowName
	r.CreatedAt = rec.CreatedAt
	r.Status = rec.Status
	r.Content = rec.Content
	r.StepResponses = rec.StepResponses
	r.Images = rec.Images
	r.Videos = rec.Videos
	r.Audio = rec.Audio
	r.WorkflowMetrics = rec.WorkflowMetrics
	r.Events = []Event(rec.Events)
	r.ExtraData = rec.ExtraData
	return nil
}

// ToMap 返回适合展示或序列化的 map 形式
func (r *RunResponse) ToMap() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
