package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Steps 顺序执行的步骤组，子步骤之间串联输出。
// 任一子步骤出错时，整个组返回一个失败输出。
type Steps struct {
	name        string
	description string
	steps       []Executable
	logger      *zap.Logger
}

// NewSteps 创建步骤组
func NewSteps(name string, steps []any, opts ...CompositeOption) (*Steps, error) {
	cfg := applyCompositeOptions(opts)
	children, err := normalizeSteps(steps, cfg.logger)
	if err != nil {
		return nil, err
	}
	name = nameOr(name, "Steps")
	return &Steps{
		name:        name,
		description: cfg.description,
		steps:       children,
		logger:      cfg.logger.With(zap.String("component", "steps"), zap.String("steps", name)),
	}, nil
}

func (s *Steps) Name() string         { return s.name }
func (s *Steps) Description() string  { return s.description }
func (s *Steps) Steps() []Executable  { return s.steps }
func (s *Steps) ExecutorType() string { return ExecutorTypeSteps }

func (s *Steps) Execute(ctx context.Context, in *StepInput, opts ExecOptions) (StepResult, error) {
	return s.run(ctx, in, opts, nil, false)
}

func (s *Steps) ExecuteStream(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter) (StepResult, error) {
	return s.run(ctx, in, opts, emit, true)
}

func (s *Steps) run(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter, stream bool) (StepResult, error) {
	if len(s.steps) == 0 {
		return ListResult([]*StepOutput{{
			StepName:     s.name,
			ExecutorType: ExecutorTypeSteps,
			ExecutorName: s.name,
			Content:      "No steps to execute",
			Success:      true,
		}}), nil
	}

	ctx, finish := opts.inst.startStep(ctx, s.name, ExecutorTypeSteps, opts)

	emitIntermediate(stream, opts, emit, &StepsExecutionStartedEvent{
		BaseEvent:  newBase(EventStepsExecutionStarted),
		StepScope:  scope(s.name, opts.Path),
		StepsCount: len(s.steps),
	})

	res, err := runChain(ctx, s.steps, in, opts, emit, stream)
	if err != nil {
		if ctx.Err() != nil {
			finish(outcomeCancelled)
			return StepResult{}, err
		}
		s.logger.Error("steps execution failed", zap.String("step", res.failed), zap.Error(err))
		res.outputs = []*StepOutput{{
			StepName:     s.name,
			ExecutorType: ExecutorTypeSteps,
			ExecutorName: s.name,
			Content:      fmt.Sprintf("Steps execution failed: %s", err),
			Success:      false,
			Error:        err.Error(),
		}}
	}

	emitIntermediate(stream, opts, emit, &StepsExecutionCompletedEvent{
		BaseEvent:     newBase(EventStepsExecutionCompleted),
		StepScope:     scope(s.name, opts.Path),
		StepsCount:    len(s.steps),
		ExecutedSteps: res.executed,
		StepResults:   res.outputs,
	})
	finish(outcomeSuccess)
	return ListResult(res.outputs), nil
}
