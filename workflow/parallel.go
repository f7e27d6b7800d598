package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/stepflow/internal/pool"
)

// Parallel 并发执行所有子步骤，按声明顺序收集结果并聚合为一个输出。
// 子步骤失败不会中断其他子步骤，而是记录为失败输出。
type Parallel struct {
	name           string
	description    string
	steps          []Executable
	maxConcurrency int
	logger         *zap.Logger
}

// NewParallel 创建并行步骤
func NewParallel(name string, steps []any, opts ...CompositeOption) (*Parallel, error) {
	cfg := applyCompositeOptions(opts)
	children, err := normalizeSteps(steps, cfg.logger)
	if err != nil {
		return nil, err
	}
	name = nameOr(name, "Parallel")
	return &Parallel{
		name:           name,
		description:    cfg.description,
		steps:          children,
		maxConcurrency: cfg.maxConcurrency,
		logger:         cfg.logger.With(zap.String("component", "parallel"), zap.String("parallel", name)),
	}, nil
}

func (p *Parallel) Name() string         { return p.name }
func (p *Parallel) Description() string  { return p.description }
func (p *Parallel) Steps() []Executable  { return p.steps }
func (p *Parallel) ExecutorType() string { return ExecutorTypeParallel }

func (p *Parallel) Execute(ctx context.Context, in *StepInput, opts ExecOptions) (StepResult, error) {
	return p.run(ctx, in, opts, nil, false)
}

func (p *Parallel) ExecuteStream(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter) (StepResult, error) {
	return p.run(ctx, in, opts, emit, true)
}

func (p *Parallel) run(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter, stream bool) (StepResult, error) {
	ctx, finish := opts.inst.startStep(ctx, p.name, ExecutorTypeParallel, opts)
	p.logger.Debug("parallel start", zap.Int("steps", len(p.steps)))

	emitIntermediate(stream, opts, emit, &ParallelExecutionStartedEvent{
		BaseEvent:         newBase(EventParallelExecutionStarted),
		StepScope:         scope(p.name, opts.Path),
		ParallelStepCount: len(p.steps),
	})

	// 每个子步骤写入自己的槽位，结果天然按声明顺序排列
	results := make([][]*StepOutput, len(p.steps))
	g := new(errgroup.Group)
	if p.maxConcurrency > 0 {
		g.SetLimit(p.maxConcurrency)
	}
	for i, child := range p.steps {
		g.Go(func() error {
			r, err := execute(ctx, child, in.clone(), opts.child(i), emit, stream)
			if err != nil {
				p.logger.Error("parallel step failed", zap.String("step", child.Name()), zap.Error(err))
				results[i] = []*StepOutput{errorOutput(child.Name(), err)}
				return nil
			}
			results[i] = r.Outputs
			p.logger.Debug("parallel step completed", zap.String("step", child.Name()))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		finish(outcomeCancelled)
		return StepResult{}, err
	}

	var flat []*StepOutput
	for _, r := range results {
		flat = append(flat, r...)
	}
	out := p.aggregate(flat)

	emitIntermediate(stream, opts, emit, &ParallelExecutionCompletedEvent{
		BaseEvent:         newBase(EventParallelExecutionCompleted),
		StepScope:         scope(p.name, opts.Path),
		ParallelStepCount: len(p.steps),
		StepResults:       flat,
	})
	p.logger.Debug("parallel end", zap.Int("steps", len(p.steps)), zap.Bool("success", out.Success))
	finish(outcomeSuccess)
	return Single(out), nil
}

// aggregate folds the children's outputs into one.
func (p *Parallel) aggregate(outputs []*StepOutput) *StepOutput {
	if len(outputs) == 0 {
		return &StepOutput{
			StepName:     p.name,
			ExecutorType: ExecutorTypeParallel,
			ExecutorName: p.name,
			Content:      "No parallel steps executed",
			Success:      true,
		}
	}

	children := NewOutputMap()
	for i, out := range outputs {
		children.Set(nameOr(out.StepName, fmt.Sprintf("step_%d", i)), out)
	}

	agg := &StepOutput{
		StepName:            p.name,
		ExecutorType:        ExecutorTypeParallel,
		ExecutorName:        p.name,
		ParallelStepOutputs: children,
		Metrics:             p.metrics(outputs),
	}

	var delta map[string]any
	for _, out := range outputs {
		if len(out.StateDelta) > 0 {
			delta = deepMerge(delta, out.StateDelta)
		}
	}
	agg.StateDelta = delta

	if len(outputs) == 1 {
		single := outputs[0]
		agg.Content = single.Content
		agg.Images = single.Images
		agg.Videos = single.Videos
		agg.Audio = single.Audio
		agg.Success = single.Success
		agg.Error = single.Error
		agg.Stop = single.Stop
		return agg
	}

	agg.Success = true
	for _, out := range outputs {
		agg.Images = append(agg.Images, out.Images...)
		agg.Videos = append(agg.Videos, out.Videos...)
		agg.Audio = append(agg.Audio, out.Audio...)
		if !out.Success {
			agg.Success = false
		}
		if out.Stop {
			agg.Stop = true
		}
	}
	agg.Content = p.aggregatedContent(outputs)
	return agg
}

func (p *Parallel) aggregatedContent(outputs []*StepOutput) string {
	buf := pool.ContentBuffers.Get()
	defer pool.ContentBuffers.Put(buf)

	buf.WriteString("## Parallel Execution Results\n\n")
	for i, out := range outputs {
		name := nameOr(out.StepName, fmt.Sprintf("Step %d", i+1))
		status := "✅ SUCCESS:"
		if !out.Success {
			status = "❌ FAILURE:"
		}
		fmt.Fprintf(buf, "### %s %s\n", status, name)
		content := strings.TrimSpace(out.ContentString())
		if content == "" {
			buf.WriteString("*(No content)*\n\n")
		} else {
			buf.WriteString(out.ContentString())
			buf.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(buf.String())
}

func (p *Parallel) metrics(outputs []*StepOutput) *StepMetrics {
	steps := make(map[string]*StepMetrics, len(outputs))
	for i, out := range outputs {
		name := nameOr(out.StepName, fmt.Sprintf("step_%d", i))
		sm := &StepMetrics{
			StepName:     name,
			ExecutorType: nameOr(out.ExecutorType, "unknown"),
			ExecutorName: nameOr(out.ExecutorName, "unknown"),
		}
		if out.Metrics != nil {
			sm.Metrics = out.Metrics.Metrics
			sm.ParallelSteps = out.Metrics.ParallelSteps
		}
		steps[name] = sm
	}
	return &StepMetrics{
		StepName:      p.name,
		ExecutorType:  ExecutorTypeParallel,
		ExecutorName:  p.name,
		ParallelSteps: steps,
	}
}
