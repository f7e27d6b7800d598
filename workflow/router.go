package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// Selector 从候选步骤中选出要执行的步骤
type Selector func(ctx context.Context, in *StepInput, choices []Executable) ([]Executable, error)

// SelectByName returns a selector that picks choices by name, in the given order.
// An unknown name is an error.
func SelectByName(names ...string) Selector {
	return func(_ context.Context, _ *StepInput, choices []Executable) ([]Executable, error) {
		byName := make(map[string]Executable, len(choices))
		for _, c := range choices {
			byName[c.Name()] = c
		}
		selected := make([]Executable, 0, len(names))
		for _, n := range names {
			c, ok := byName[n]
			if !ok {
				return nil, types.Errorf(types.ErrInvalidStep, "router choice %q not found", n)
			}
			selected = append(selected, c)
		}
		return selected, nil
	}
}

// Router 通过 selector 选择要执行的子步骤，被选中的步骤依次串联执行。
type Router struct {
	name        string
	description string
	selector    Selector
	choices     []Executable
	logger      *zap.Logger
}

// NewRouter 创建路由步骤
func NewRouter(name string, selector Selector, choices []any, opts ...CompositeOption) (*Router, error) {
	if selector == nil {
		return nil, types.Errorf(types.ErrInvalidConfig, "router %q requires a selector", name)
	}
	cfg := applyCompositeOptions(opts)
	children, err := normalizeSteps(choices, cfg.logger)
	if err != nil {
		return nil, err
	}
	name = nameOr(name, "Router")
	return &Router{
		name:        name,
		description: cfg.description,
		selector:    selector,
		choices:     children,
		logger:      cfg.logger.With(zap.String("component", "router"), zap.String("router", name)),
	}, nil
}

func (r *Router) Name() string          { return r.name }
func (r *Router) Description() string   { return r.description }
func (r *Router) Choices() []Executable { return r.choices }
func (r *Router) ExecutorType() string  { return ExecutorTypeRouter }

func (r *Router) Execute(ctx context.Context, in *StepInput, opts ExecOptions) (StepResult, error) {
	return r.run(ctx, in, opts, nil, false)
}

func (r *Router) ExecuteStream(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter) (StepResult, error) {
	return r.run(ctx, in, opts, emit, true)
}

func (r *Router) run(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter, stream bool) (StepResult, error) {
	ctx, finish := opts.inst.startStep(ctx, r.name, ExecutorTypeRouter, opts)

	selected, err := r.selector(ctx, in, r.choices)
	if err != nil {
		finish(outcomeError)
		if types.IsErrorCode(err, types.ErrInvalidStep) {
			return StepResult{}, err
		}
		return StepResult{}, types.Errorf(types.ErrInvalidStep, "router %s: selection failed", r.name).
			WithStep(r.name).
			WithCause(err)
	}
	r.logger.Debug("router selected steps", zap.Strings("selected", stepNames(selected)))

	emitIntermediate(stream, opts, emit, &RouterExecutionStartedEvent{
		BaseEvent:     newBase(EventRouterExecutionStarted),
		StepScope:     scope(r.name, opts.Path),
		SelectedSteps: stepNames(selected),
	})

	var res chainResult
	if len(selected) > 0 {
		res, err = runChain(ctx, selected, in, opts, emit, stream)
		if err != nil {
			if ctx.Err() != nil {
				finish(outcomeCancelled)
				return StepResult{}, err
			}
			r.logger.Error("router step failed", zap.String("step", res.failed), zap.Error(err))
			res.outputs = append(res.outputs, errorOutput(res.failed, err))
		}
	}

	emitIntermediate(stream, opts, emit, &RouterExecutionCompletedEvent{
		BaseEvent:     newBase(EventRouterExecutionCompleted),
		StepScope:     scope(r.name, opts.Path),
		SelectedSteps: stepNames(selected),
		ExecutedSteps: res.executed,
		StepResults:   res.outputs,
	})
	finish(outcomeSuccess)
	return ListResult(res.outputs), nil
}
