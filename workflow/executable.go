package workflow

import (
	"context"
)

// Executable 是工作流中所有可执行单元的统一接口。
// Step 以及 Loop / Parallel / Condition / Router / Steps 都实现它。
type Executable interface {
	// Name 返回步骤名称
	Name() string
	// Execute 阻塞执行
	Execute(ctx context.Context, in *StepInput, opts ExecOptions) (StepResult, error)
	// ExecuteStream 执行并通过 emit 推送事件
	ExecuteStream(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter) (StepResult, error)
}

// Describer is implemented by executables that carry a description.
type Describer interface {
	Description() string
}

// ExecOptions carries run-scoped values down the step tree.
type ExecOptions struct {
	// Path is the position of the executable being run.
	Path StepPath

	SessionID    string
	UserID       string
	WorkflowID   string
	WorkflowName string
	RunID        string

	// StreamIntermediateSteps enables Started/Completed events for every step.
	StreamIntermediateSteps bool

	// SessionState is a read-only snapshot of the workflow session state.
	SessionState map[string]any

	inst *instrumentation
}

// child returns the options for the i-th child.
func (o ExecOptions) child(i int) ExecOptions {
	o.Path = o.Path.Child(i)
	return o
}

func (o ExecOptions) identity() runIdentity {
	return runIdentity{
		WorkflowID:   o.WorkflowID,
		WorkflowName: o.WorkflowName,
		SessionID:    o.SessionID,
		RunID:        o.RunID,
	}
}

// stampEvent fills the run identity of events produced by this package.
func (o ExecOptions) stampEvent(ev Event) Event {
	if c, ok := ev.(baseCarrier); ok {
		c.base().stamp(o.identity())
	}
	return ev
}
