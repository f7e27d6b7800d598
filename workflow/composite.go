package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// ============================================================
// Composite options
// ============================================================

// CompositeOption 配置 Loop / Parallel / Condition / Router / Steps
type CompositeOption func(*compositeConfig)

type compositeConfig struct {
	description    string
	maxIterations  int
	endCondition   EndCondition
	maxConcurrency int
	logger         *zap.Logger
}

func defaultCompositeConfig() compositeConfig {
	return compositeConfig{maxIterations: DefaultMaxIterations}
}

func applyCompositeOptions(opts []CompositeOption) compositeConfig {
	cfg := defaultCompositeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return cfg
}

// WithCompositeDescription sets the description shown in workflow data.
func WithCompositeDescription(desc string) CompositeOption {
	return func(c *compositeConfig) { c.description = desc }
}

// WithMaxIterations 设置 Loop 的最大迭代次数
func WithMaxIterations(n int) CompositeOption {
	return func(c *compositeConfig) { c.maxIterations = n }
}

// WithEndCondition 设置 Loop 的结束条件
func WithEndCondition(fn EndCondition) CompositeOption {
	return func(c *compositeConfig) { c.endCondition = fn }
}

// WithMaxConcurrency 限制 Parallel 的并发数，0 表示不限制
func WithMaxConcurrency(n int) CompositeOption {
	return func(c *compositeConfig) { c.maxConcurrency = n }
}

// WithCompositeLogger sets the logger of the composite and of the steps it wraps.
func WithCompositeLogger(logger *zap.Logger) CompositeOption {
	return func(c *compositeConfig) { c.logger = logger }
}

// ============================================================
// Step normalization
// ============================================================

// normalizeSteps turns user supplied step values into executables.
// Accepted: Executable, types.Team, types.Agent, StepFunc, GeneratorFunc, Executor.
func normalizeSteps(steps []any, logger *zap.Logger) ([]Executable, error) {
	out := make([]Executable, 0, len(steps))
	for i, s := range steps {
		e, err := normalizeStep(i, s, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func normalizeStep(i int, s any, logger *zap.Logger) (Executable, error) {
	fallback := fmt.Sprintf("step_%d", i+1)
	opts := []StepOption{WithStepLogger(logger)}

	switch v := s.(type) {
	case nil:
		return nil, types.Errorf(types.ErrInvalidStep, "invalid step type: <nil> at position %d", i+1)
	case *Step:
		if v == nil {
			return nil, types.Errorf(types.ErrInvalidStep, "invalid step type: nil *Step at position %d", i+1)
		}
		return v, nil
	case Executable:
		return v, nil
	case types.Team:
		return NewStep(nameOr(v.Name(), fallback), append(opts, WithTeam(v))...)
	case types.Agent:
		return NewStep(nameOr(v.Name(), fallback), append(opts, WithAgent(v))...)
	case StepFunc:
		return NewStep(fallback, append(opts, WithFunc(v))...)
	case func(context.Context, *StepInput) (any, error):
		return NewStep(fallback, append(opts, WithFunc(v))...)
	case GeneratorFunc:
		return NewStep(fallback, append(opts, WithGenerator(v))...)
	case func(context.Context, *StepInput, func(any) bool) error:
		return NewStep(fallback, append(opts, WithGenerator(v))...)
	case Executor:
		name := fallback
		switch x := v.(type) {
		case FuncExecutor:
			name = nameOr(x.Name, fallback)
		case GeneratorExecutor:
			name = nameOr(x.Name, fallback)
		default:
			if n := v.ExecutorName(); n != "unnamed_executor" {
				name = n
			}
		}
		return NewStep(name, append(opts, WithExecutor(v))...)
	default:
		return nil, types.Errorf(types.ErrInvalidStep, "invalid step type: %T", s)
	}
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// ============================================================
// Sequential chaining
// ============================================================

// chainResult is what a sequential run of children produced.
type chainResult struct {
	outputs  []*StepOutput
	executed int
	stopped  bool
	// failed is the name of the child whose error ended the chain.
	failed string
}

// runChain executes children in order. Each child sees the outputs of the
// children before it. The chain ends early when a child requests stop.
// The input is never modified.
func runChain(ctx context.Context, children []Executable, in *StepInput, opts ExecOptions, emit Emitter, stream bool) (chainResult, error) {
	var res chainResult
	cur := in.clone()
	for i, child := range children {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r, err := execute(ctx, child, cur, opts.child(i), emit, stream)
		if err != nil {
			res.failed = child.Name()
			return res, err
		}
		res.executed++
		res.outputs = append(res.outputs, r.Outputs...)
		if r.Stopped() {
			res.stopped = true
			break
		}
		next := cur.clone()
		next.advance(child.Name(), r.Outputs)
		cur = next
	}
	return res, nil
}

// execute dispatches to the blocking or the streaming path.
func execute(ctx context.Context, e Executable, in *StepInput, opts ExecOptions, emit Emitter, stream bool) (StepResult, error) {
	if stream {
		return e.ExecuteStream(ctx, in, opts, emit)
	}
	return e.Execute(ctx, in, opts)
}

// errorOutput is the output recorded for a child that failed inside a
// Parallel, Condition or Router.
func errorOutput(name string, err error) *StepOutput {
	return &StepOutput{
		StepName: name,
		Content:  fmt.Sprintf("Step %s failed: %s", name, err),
		Success:  false,
		Error:    err.Error(),
	}
}

func stepNames(steps []Executable) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name()
	}
	return names
}

// emitIntermediate emits composite lifecycle events when intermediate steps are streamed.
func emitIntermediate(stream bool, opts ExecOptions, emit Emitter, ev Event) {
	if !stream || !opts.StreamIntermediateSteps {
		return
	}
	emit.emit(opts.stampEvent(ev))
}
