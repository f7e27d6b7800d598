package workflow

import (
	"time"

	"github.com/BaSui01/stepflow/types"
)

// Event is anything that travels on a workflow event stream.
type Event = types.Event

// Emitter receives events as they are produced. Emitters passed to
// ExecuteStream must be safe for concurrent use; Parallel children emit from
// their own goroutines.
type Emitter func(Event)

// Event type names.
const (
	EventWorkflowStarted   = "WorkflowStarted"
	EventWorkflowCompleted = "WorkflowCompleted"
	EventWorkflowCancelled = "WorkflowCancelled"
	EventWorkflowError     = "WorkflowError"

	EventStepStarted   = "StepStarted"
	EventStepCompleted = "StepCompleted"
	EventStepError     = "StepError"
	EventStepOutput    = "StepOutput"
	EventStepContent   = "StepContent"

	EventLoopExecutionStarted   = "LoopExecutionStarted"
	EventLoopIterationStarted   = "LoopIterationStarted"
	EventLoopIterationCompleted = "LoopIterationCompleted"
	EventLoopExecutionCompleted = "LoopExecutionCompleted"

	EventParallelExecutionStarted   = "ParallelExecutionStarted"
	EventParallelExecutionCompleted = "ParallelExecutionCompleted"

	EventConditionExecutionStarted   = "ConditionExecutionStarted"
	EventConditionExecutionCompleted = "ConditionExecutionCompleted"

	EventRouterExecutionStarted   = "RouterExecutionStarted"
	EventRouterExecutionCompleted = "RouterExecutionCompleted"

	EventStepsExecutionStarted   = "StepsExecutionStarted"
	EventStepsExecutionCompleted = "StepsExecutionCompleted"
)

// =============================================================================
// Base
// =============================================================================

// BaseEvent carries the fields every workflow event has.
type BaseEvent struct {
	Event        string `json:"event"`
	CreatedAt    int64  `json:"created_at"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	WorkflowName string `json:"workflow_name,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
}

// EventType implements types.Event.
func (e *BaseEvent) EventType() string { return e.Event }

func (e *BaseEvent) base() *BaseEvent { return e }

// stamp fills run identity fields that are still empty.
func (e *BaseEvent) stamp(id runIdentity) {
	if e.WorkflowID == "" {
		e.WorkflowID = id.WorkflowID
	}
	if e.WorkflowName == "" {
		e.WorkflowName = id.WorkflowName
	}
	if e.SessionID == "" {
		e.SessionID = id.SessionID
	}
	if e.RunID == "" {
		e.RunID = id.RunID
	}
}

type baseCarrier interface {
	base() *BaseEvent
}

func newBase(eventType string) BaseEvent {
	return BaseEvent{Event: eventType, CreatedAt: time.Now().Unix()}
}

// runIdentity identifies the run an event belongs to.
type runIdentity struct {
	WorkflowID   string
	WorkflowName string
	SessionID    string
	RunID        string
}

// StepScope identifies the step an event belongs to.
type StepScope struct {
	StepName  string   `json:"step_name,omitempty"`
	StepIndex StepPath `json:"step_index,omitempty"`
}

// =============================================================================
// Workflow events
// =============================================================================

// WorkflowStartedEvent opens a streamed run.
type WorkflowStartedEvent struct {
	BaseEvent
}

// WorkflowCompletedEvent closes a streamed run, successful or not.
type WorkflowCompletedEvent struct {
	BaseEvent
	Content       any              `json:"content,omitempty"`
	ContentType   string           `json:"content_type,omitempty"`
	Status        RunStatus        `json:"status,omitempty"`
	StepResponses []StepResult     `json:"step_responses,omitempty"`
	Metrics       *WorkflowMetrics `json:"metrics,omitempty"`
	ExtraData     map[string]any   `json:"extra_data,omitempty"`
}

// WorkflowCancelledEvent is emitted when the run context is cancelled.
type WorkflowCancelledEvent struct {
	BaseEvent
	Reason string `json:"reason,omitempty"`
}

// WorkflowErrorEvent is emitted when the run fails.
type WorkflowErrorEvent struct {
	BaseEvent
	Error string `json:"error"`
}

// =============================================================================
// Step events
// =============================================================================

// StepStartedEvent is emitted once per step, before the first attempt.
type StepStartedEvent struct {
	BaseEvent
	StepScope
}

// StepCompletedEvent is emitted after a step succeeds or is skipped.
type StepCompletedEvent struct {
	BaseEvent
	StepScope
	Content      any                   `json:"content,omitempty"`
	ContentType  string                `json:"content_type,omitempty"`
	Images       []types.ImageArtifact `json:"images,omitempty"`
	Videos       []types.VideoArtifact `json:"videos,omitempty"`
	Audio        []types.AudioArtifact `json:"audio,omitempty"`
	StepResponse *StepOutput           `json:"step_response,omitempty"`
}

// StepErrorEvent is emitted for every failed attempt. WillRetry tells
// consumers whether output streamed during the attempt will be superseded.
type StepErrorEvent struct {
	BaseEvent
	StepScope
	Error     string `json:"error"`
	Attempt   int    `json:"attempt"`
	WillRetry bool   `json:"will_retry"`
}

// StepOutputEvent carries the output of a function step on the workflow stream.
type StepOutputEvent struct {
	BaseEvent
	StepScope
	StepOutput *StepOutput `json:"step_output,omitempty"`
}

// StepContentEvent wraps a generator chunk that is not itself an event.
type StepContentEvent struct {
	BaseEvent
	StepScope
	Content any `json:"content,omitempty"`
}

// =============================================================================
// Loop events
// =============================================================================

type LoopExecutionStartedEvent struct {
	BaseEvent
	StepScope
	MaxIterations int `json:"max_iterations"`
}

type LoopIterationStartedEvent struct {
	BaseEvent
	StepScope
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`
}

type LoopIterationCompletedEvent struct {
	BaseEvent
	StepScope
	Iteration        int           `json:"iteration"`
	MaxIterations    int           `json:"max_iterations"`
	IterationResults []*StepOutput `json:"iteration_results,omitempty"`
	ShouldContinue   bool          `json:"should_continue"`
}

type LoopExecutionCompletedEvent struct {
	BaseEvent
	StepScope
	TotalIterations int             `json:"total_iterations"`
	MaxIterations   int             `json:"max_iterations"`
	AllResults      [][]*StepOutput `json:"all_results,omitempty"`
}

// =============================================================================
// Parallel / Condition / Router / Steps events
// =============================================================================

type ParallelExecutionStartedEvent struct {
	BaseEvent
	StepScope
	ParallelStepCount int `json:"parallel_step_count"`
}

type ParallelExecutionCompletedEvent struct {
	BaseEvent
	StepScope
	ParallelStepCount int           `json:"parallel_step_count"`
	StepResults       []*StepOutput `json:"step_results,omitempty"`
}

type ConditionExecutionStartedEvent struct {
	BaseEvent
	StepScope
	ConditionResult *bool `json:"condition_result,omitempty"`
}

type ConditionExecutionCompletedEvent struct {
	BaseEvent
	StepScope
	ConditionResult bool          `json:"condition_result"`
	ExecutedSteps   int           `json:"executed_steps"`
	StepResults     []*StepOutput `json:"step_results,omitempty"`
}

type RouterExecutionStartedEvent struct {
	BaseEvent
	StepScope
	SelectedSteps []string `json:"selected_steps"`
}

type RouterExecutionCompletedEvent struct {
	BaseEvent
	StepScope
	SelectedSteps []string      `json:"selected_steps"`
	ExecutedSteps int           `json:"executed_steps"`
	StepResults   []*StepOutput `json:"step_results,omitempty"`
}

type StepsExecutionStartedEvent struct {
	BaseEvent
	StepScope
	StepsCount int `json:"steps_count"`
}

type StepsExecutionCompletedEvent struct {
	BaseEvent
	StepScope
	StepsCount    int           `json:"steps_count"`
	ExecutedSteps int           `json:"executed_steps"`
	StepResults   []*StepOutput `json:"step_results,omitempty"`
}

// scope builds a StepScope for a step at path.
func scope(name string, path StepPath) StepScope {
	return StepScope{StepName: name, StepIndex: path}
}

// emit is a nil-safe call of an Emitter.
func (e Emitter) emit(ev Event) {
	if e != nil {
		e(ev)
	}
}
