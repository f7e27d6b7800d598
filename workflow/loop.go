package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// DefaultMaxIterations is the iteration cap of a Loop when none is configured.
const DefaultMaxIterations = 3

// EndCondition 在每次迭代结束后判断是否退出循环，参数为本次迭代的输出。
type EndCondition func(iterationResults []*StepOutput) (bool, error)

// Loop 重复执行子步骤，直到结束条件满足或达到最大迭代次数。
// 每次迭代都从 Loop 的输入重新开始，迭代内的子步骤依次串联。
type Loop struct {
	name          string
	description   string
	steps         []Executable
	maxIterations int
	endCondition  EndCondition
	logger        *zap.Logger
}

// NewLoop 创建循环
func NewLoop(name string, steps []any, opts ...CompositeOption) (*Loop, error) {
	cfg := applyCompositeOptions(opts)
	if cfg.maxIterations < 1 {
		return nil, types.Errorf(types.ErrInvalidConfig, "loop %q: max iterations must be >= 1, got %d", name, cfg.maxIterations)
	}
	children, err := normalizeSteps(steps, cfg.logger)
	if err != nil {
		return nil, err
	}
	name = nameOr(name, "Loop")
	return &Loop{
		name:          name,
		description:   cfg.description,
		steps:         children,
		maxIterations: cfg.maxIterations,
		endCondition:  cfg.endCondition,
		logger:        cfg.logger.With(zap.String("component", "loop"), zap.String("loop", name)),
	}, nil
}

func (l *Loop) Name() string         { return l.name }
func (l *Loop) Description() string  { return l.description }
func (l *Loop) Steps() []Executable  { return l.steps }
func (l *Loop) MaxIterations() int   { return l.maxIterations }
func (l *Loop) ExecutorType() string { return ExecutorTypeLoop }

func (l *Loop) Execute(ctx context.Context, in *StepInput, opts ExecOptions) (StepResult, error) {
	return l.run(ctx, in, opts, nil, false)
}

func (l *Loop) ExecuteStream(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter) (StepResult, error) {
	return l.run(ctx, in, opts, emit, true)
}

func (l *Loop) run(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter, stream bool) (StepResult, error) {
	ctx, finish := opts.inst.startStep(ctx, l.name, ExecutorTypeLoop, opts)
	l.logger.Debug("loop start", zap.Int("max_iterations", l.maxIterations))

	emitIntermediate(stream, opts, emit, &LoopExecutionStartedEvent{
		BaseEvent:     newBase(EventLoopExecutionStarted),
		StepScope:     scope(l.name, opts.Path),
		MaxIterations: l.maxIterations,
	})

	var (
		allResults [][]*StepOutput
		iteration  int
		stopped    bool
	)
	for iteration < l.maxIterations {
		emitIntermediate(stream, opts, emit, &LoopIterationStartedEvent{
			BaseEvent:     newBase(EventLoopIterationStarted),
			StepScope:     scope(l.name, opts.Path),
			Iteration:     iteration + 1,
			MaxIterations: l.maxIterations,
		})

		res, err := runChain(ctx, l.steps, in, opts, emit, stream)
		if err != nil {
			l.logger.Error("loop iteration failed",
				zap.Int("iteration", iteration+1),
				zap.String("failed_step", res.failed),
				zap.Error(err))
			finish(outcomeFor(ctx))
			return StepResult{}, err
		}
		allResults = append(allResults, res.outputs)
		iteration++

		shouldContinue := iteration < l.maxIterations
		if res.stopped {
			l.logger.Info("early termination requested inside loop", zap.Int("iteration", iteration))
			stopped = true
			shouldContinue = false
		} else if l.endCondition != nil {
			done, err := l.endCondition(res.outputs)
			if err != nil {
				l.logger.Warn("end condition evaluation failed", zap.Error(err))
			} else if done {
				shouldContinue = false
			}
		}

		emitIntermediate(stream, opts, emit, &LoopIterationCompletedEvent{
			BaseEvent:        newBase(EventLoopIterationCompleted),
			StepScope:        scope(l.name, opts.Path),
			Iteration:        iteration,
			MaxIterations:    l.maxIterations,
			IterationResults: res.outputs,
			ShouldContinue:   shouldContinue,
		})
		if !shouldContinue {
			break
		}
	}

	emitIntermediate(stream, opts, emit, &LoopExecutionCompletedEvent{
		BaseEvent:       newBase(EventLoopExecutionCompleted),
		StepScope:       scope(l.name, opts.Path),
		TotalIterations: iteration,
		MaxIterations:   l.maxIterations,
		AllResults:      allResults,
	})
	l.logger.Debug("loop end", zap.Int("iterations", iteration), zap.Bool("stopped", stopped))
	finish(outcomeSuccess)

	var flat []*StepOutput
	for _, r := range allResults {
		flat = append(flat, r...)
	}
	return ListResult(flat), nil
}

// outcomeFor distinguishes cancellation from failure.
func outcomeFor(ctx context.Context) string {
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	return outcomeError
}
