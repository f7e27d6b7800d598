package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// ConditionFunc 判断是否执行分支
type ConditionFunc func(ctx context.Context, in *StepInput) (bool, error)

// Always returns an evaluator with a fixed result.
func Always(result bool) ConditionFunc {
	return func(context.Context, *StepInput) (bool, error) { return result, nil }
}

// Condition 条件为真时依次执行子步骤，否则返回空列表。
type Condition struct {
	name        string
	description string
	evaluator   ConditionFunc
	steps       []Executable
	logger      *zap.Logger
}

// NewCondition 创建条件步骤
func NewCondition(name string, evaluator ConditionFunc, steps []any, opts ...CompositeOption) (*Condition, error) {
	if evaluator == nil {
		return nil, types.Errorf(types.ErrInvalidConfig, "condition %q requires an evaluator", name)
	}
	cfg := applyCompositeOptions(opts)
	children, err := normalizeSteps(steps, cfg.logger)
	if err != nil {
		return nil, err
	}
	name = nameOr(name, "Condition")
	return &Condition{
		name:        name,
		description: cfg.description,
		evaluator:   evaluator,
		steps:       children,
		logger:      cfg.logger.With(zap.String("component", "condition"), zap.String("condition", name)),
	}, nil
}

func (c *Condition) Name() string         { return c.name }
func (c *Condition) Description() string  { return c.description }
func (c *Condition) Steps() []Executable  { return c.steps }
func (c *Condition) ExecutorType() string { return ExecutorTypeCondition }

func (c *Condition) Execute(ctx context.Context, in *StepInput, opts ExecOptions) (StepResult, error) {
	return c.run(ctx, in, opts, nil, false)
}

func (c *Condition) ExecuteStream(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter) (StepResult, error) {
	return c.run(ctx, in, opts, emit, true)
}

// evaluate treats an evaluator error as false.
func (c *Condition) evaluate(ctx context.Context, in *StepInput) bool {
	ok, err := c.evaluator(ctx, in)
	if err != nil {
		c.logger.Warn("condition evaluation failed, treating as false", zap.Error(err))
		return false
	}
	return ok
}

func (c *Condition) run(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter, stream bool) (StepResult, error) {
	ctx, finish := opts.inst.startStep(ctx, c.name, ExecutorTypeCondition, opts)

	result := c.evaluate(ctx, in)
	c.logger.Debug("condition evaluated", zap.Bool("result", result))

	emitIntermediate(stream, opts, emit, &ConditionExecutionStartedEvent{
		BaseEvent:       newBase(EventConditionExecutionStarted),
		StepScope:       scope(c.name, opts.Path),
		ConditionResult: &result,
	})

	if !result {
		emitIntermediate(stream, opts, emit, &ConditionExecutionCompletedEvent{
			BaseEvent:       newBase(EventConditionExecutionCompleted),
			StepScope:       scope(c.name, opts.Path),
			ConditionResult: false,
		})
		finish(outcomeSkipped)
		return ListResult(nil), nil
	}

	res, err := runChain(ctx, c.steps, in, opts, emit, stream)
	if err != nil {
		if ctx.Err() != nil {
			finish(outcomeCancelled)
			return StepResult{}, err
		}
		c.logger.Error("condition step failed", zap.String("step", res.failed), zap.Error(err))
		res.outputs = append(res.outputs, errorOutput(res.failed, err))
	}

	emitIntermediate(stream, opts, emit, &ConditionExecutionCompletedEvent{
		BaseEvent:       newBase(EventConditionExecutionCompleted),
		StepScope:       scope(c.name, opts.Path),
		ConditionResult: true,
		ExecutedSteps:   res.executed,
		StepResults:     res.outputs,
	})
	finish(outcomeSuccess)
	return ListResult(res.outputs), nil
}
