package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// DefaultMaxRetries is the retry budget of a step when none is configured.
const DefaultMaxRetries = 3

// Step 包装单个执行器（agent / team / 函数 / 生成器），提供重试、
// 超时与失败跳过语义。
type Step struct {
	name                  string
	stepID                string
	description           string
	executor              Executor
	maxRetries            int
	timeout               time.Duration
	retryBackoff          time.Duration
	skipOnFailure         bool
	strictInputValidation bool
	logger                *zap.Logger

}

// StepOption 配置 Step
type StepOption func(*stepConfig)

type stepConfig struct {
	executors             []Executor
	stepID                string
	description           string
	maxRetries            int
	timeout               time.Duration
	retryBackoff          time.Duration
	skipOnFailure         bool
	strictInputValidation bool
	logger                *zap.Logger
}

// WithAgent 使用 agent 作为执行器
func WithAgent(a types.Agent) StepOption {
	return func(c *stepConfig) { c.executors = append(c.executors, FromAgent(a)) }
}

// WithTeam 使用 team 作为执行器
func WithTeam(t types.Team) StepOption {
	return func(c *stepConfig) { c.executors = append(c.executors, FromTeam(t)) }
}

// WithFunc 使用函数作为执行器
func WithFunc(fn StepFunc) StepOption {
	return func(c *stepConfig) { c.executors = append(c.executors, FuncExecutor{Fn: fn}) }
}

// WithGenerator 使用生成器作为执行器
func WithGenerator(fn GeneratorFunc) StepOption {
	return func(c *stepConfig) { c.executors = append(c.executors, GeneratorExecutor{Fn: fn}) }
}

// WithExecutor 使用任意 Executor（例如 RateLimited 包装后的执行器）
func WithExecutor(e Executor) StepOption {
	return func(c *stepConfig) { c.executors = append(c.executors, e) }
}

// WithMaxRetries 设置最大重试次数，总尝试次数为 n+1
func WithMaxRetries(n int) StepOption {
	return func(c *stepConfig) { c.maxRetries = n }
}

// WithTimeout 设置单次尝试超时
func WithTimeout(d time.Duration) StepOption {
	return func(c *stepConfig) { c.timeout = d }
}

// WithRetryBackoff 设置两次尝试之间的等待时间
func WithRetryBackoff(d time.Duration) StepOption {
	return func(c *stepConfig) { c.retryBackoff = d }
}

// WithSkipOnFailure 重试耗尽后返回失败输出而不是错误
func WithSkipOnFailure(skip bool) StepOption {
	return func(c *stepConfig) { c.skipOnFailure = skip }
}

// WithStrictInputValidation 没有消息且没有前序输出时拒绝执行
func WithStrictInputValidation(strict bool) StepOption {
	return func(c *stepConfig) { c.strictInputValidation = strict }
}

func WithStepID(id string) StepOption {
	return func(c *stepConfig) { c.stepID = id }
}

func WithDescription(desc string) StepOption {
	return func(c *stepConfig) { c.description = desc }
}

func WithStepLogger(logger *zap.Logger) StepOption {
	return func(c *stepConfig) { c.logger = logger }
}

// NewStep 创建步骤。必须且只能提供一个执行器选项。
// name 为空时使用执行器名称。
func NewStep(name string, opts ...StepOption) (*Step, error) {
	cfg := stepConfig{maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch len(cfg.executors) {
	case 0:
		return nil, types.Errorf(types.ErrInvalidConfig,
			"step %q must have one executor: agent, team, function or generator", name)
	case 1:
	default:
		kinds := make([]string, 0, len(cfg.executors))
		for _, e := range cfg.executors {
			kinds = append(kinds, e.ExecutorType())
		}
		return nil, types.Errorf(types.ErrInvalidConfig,
			"step %q can only have one executor, provided: %v", name, kinds)
	}

	exec := cfg.executors[0]
	if !validExecutor(exec) {
		return nil, types.Errorf(types.ErrInvalidConfig, "step %q has a nil %s executor", name, exec.ExecutorType())
	}
	if cfg.maxRetries < 0 {
		return nil, types.Errorf(types.ErrInvalidConfig, "step %q: max retries must be >= 0, got %d", name, cfg.maxRetries)
	}
	if cfg.timeout < 0 {
		return nil, types.Errorf(types.ErrInvalidConfig, "step %q: timeout must be >= 0", name)
	}

	if name == "" {
		name = exec.ExecutorName()
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Step{
		name:                  name,
		stepID:                cfg.stepID,
		description:           cfg.description,
		executor:              exec,
		maxRetries:            cfg.maxRetries,
		timeout:               cfg.timeout,
		retryBackoff:          cfg.retryBackoff,
		skipOnFailure:         cfg.skipOnFailure,
		strictInputValidation: cfg.strictInputValidation,
		logger:                logger.With(zap.String("component", "step"), zap.String("step", name)),
	}, nil
}

// MustStep 与 NewStep 相同，配置错误时 panic
func MustStep(name string, opts ...StepOption) *Step {
	s, err := NewStep(name, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Step) Name() string           { return s.name }
func (s *Step) StepID() string         { return s.stepID }
func (s *Step) Description() string    { return s.description }
func (s *Step) Executor() Executor     { return s.executor }
func (s *Step) ExecutorType() string   { return s.executor.ExecutorType() }
func (s *Step) ExecutorName() string   { return s.executor.ExecutorName() }
func (s *Step) MaxRetries() int        { return s.maxRetries }
func (s *Step) SkipOnFailure() bool    { return s.skipOnFailure }
func (s *Step) Timeout() time.Duration { return s.timeout }


// setLogger installs a logger on steps built without one.
func (s *Step) setLogger(logger *zap.Logger) {
	s.logger = logger.With(zap.String("component", "step"), zap.String("step", s.name))
}

// Execute 阻塞执行步骤
func (s *Step) Execute(ctx context.Context, in *StepInput, opts ExecOptions) (StepResult, error) {
	out, err := s.run(ctx, in, opts, nil)
	if err != nil {
		return StepResult{}, err
	}
	return Single(out), nil
}

// ExecuteStream 执行步骤并推送事件。开启中间步骤事件时，StepStartedEvent
// 只在第一次尝试前发出一次，每次失败的尝试发出一个 StepErrorEvent。
func (s *Step) ExecuteStream(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter) (StepResult, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	if opts.StreamIntermediateSteps {
		emit(opts.stampEvent(&StepStartedEvent{
			BaseEvent: newBase(EventStepStarted),
			StepScope: scope(s.name, opts.Path),
		}))
	}

	out, err := s.run(ctx, in, opts, emit)
	if err != nil {
		return StepResult{}, err
	}

	if opts.StreamIntermediateSteps {
		emit(opts.stampEvent(&StepCompletedEvent{
			BaseEvent:    newBase(EventStepCompleted),
			StepScope:    scope(s.name, opts.Path),
			Content:      out.Content,
			Images:       out.Images,
			Videos:       out.Videos,
			Audio:        out.Audio,
			StepResponse: out,
		}))
	}
	return Single(out), nil
}

// run executes the attempt loop. emit is nil for blocking execution.
func (s *Step) run(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter) (*StepOutput, error) {
	if in == nil {
		in = &StepInput{}
	}
	if s.strictInputValidation && in.Message == nil &&
		(in.PreviousStepOutputs == nil || in.PreviousStepOutputs.Len() == 0) {
		return nil, types.Errorf(types.ErrInvalidConfig,
			"step %q requires a message or previous step outputs", s.name).WithStep(s.name)
	}

	local := *in
	if local.PreviousStepOutputs != nil && local.PreviousStepOutputs.Len() > 0 {
		local.PreviousStepContent = local.GetLastStepContent()
	}

	ctx, finish := opts.inst.startStep(ctx, s.name, s.ExecutorType(), opts)

	var (
		lastErr  error
		failures int
	)
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			finish(outcomeCancelled)
			return nil, err
		}

		s.logger.Debug("executing step",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", s.maxRetries+1))

		out, err := s.attempt(ctx, &local, opts, emit)
		if err == nil {
			finish(outcomeSuccess)
			out = s.stamp(out)
			out.FailedAttempts = failures
			return out, nil
		}

		lastErr = err
		failures = attempt + 1
		final := attempt == s.maxRetries || types.IsConfigError(err) || ctx.Err() != nil

		s.logger.Warn("step attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Bool("will_retry", !final),
			zap.Error(err))
		if opts.StreamIntermediateSteps {
			emit.emit(opts.stampEvent(&StepErrorEvent{
				BaseEvent: newBase(EventStepError),
				StepScope: scope(s.name, opts.Path),
				Error:     err.Error(),
				Attempt:   attempt + 1,
				WillRetry: !final,
			}))
		}

		if final {
			break
		}
		opts.inst.stepRetry(s.name, opts)
		if err := sleepCtx(ctx, s.retryBackoff); err != nil {
			finish(outcomeCancelled)
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		finish(outcomeCancelled)
		return nil, err
	}
	if types.IsConfigError(lastErr) {
		finish(outcomeError)
		return nil, lastErr
	}

	if s.skipOnFailure {
		s.logger.Debug("step failed but continuing due to skip on failure")
		finish(outcomeSkipped)
		return s.stamp(&StepOutput{
			Content:        fmt.Sprintf("Step %s failed but skipped", s.name),
			Success:        false,
			Error:          lastErr.Error(),
			FailedAttempts: failures,
		}), nil
	}

	finish(outcomeError)
	return nil, types.Errorf(types.ErrStepFailed, "step %s failed after %d attempts", s.name, failures).
		WithStep(s.name).
		WithCause(lastErr)
}

// attempt runs the executor once, under the per-attempt timeout if any.
func (s *Step) attempt(ctx context.Context, in *StepInput, opts ExecOptions, emit Emitter) (*StepOutput, error) {
	actx := types.WithStepName(ctx, s.name)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, s.timeout)
		defer cancel()
	}

	out, err := s.dispatch(actx, s.executor, in, opts, emit)
	if err != nil && s.timeout > 0 && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, types.Errorf(types.ErrStepTimeout, "step %s timed out after %s", s.name, s.timeout).
			WithRetryable(true).
			WithStep(s.name).
			WithCause(err)
	}
	return out, err
}

func (s *Step) dispatch(ctx context.Context, exec Executor, in *StepInput, opts ExecOptions, emit Emitter) (*StepOutput, error) {
	switch e := exec.(type) {
	case *limitedExecutor:
		if err := e.wait(ctx); err != nil {
			return nil, err
		}
		return s.dispatch(ctx, e.inner, in, opts, emit)
	case FuncExecutor:
		v, err := e.Fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return s.normalize(v), nil
	case GeneratorExecutor:
		var onChunk func(any)
		if emit != nil {
			onChunk = func(chunk any) { s.forwardChunk(chunk, opts, emit) }
		}
		return DrainAndWrap(ctx, e.Fn, in, onChunk)
	case AgentExecutor:
		return s.runAgent(ctx, e.Agent, in, opts, emit)
	case TeamExecutor:
		return s.runAgent(ctx, e.Team, in, opts, emit)
	default:
		return nil, types.Errorf(types.ErrInvalidConfig, "unsupported executor type %T", exec)
	}
}

// forwardChunk puts a generator chunk on the event stream. Outputs stay
// internal; events pass through; anything else is wrapped.
func (s *Step) forwardChunk(chunk any, opts ExecOptions, emit Emitter) {
	switch c := chunk.(type) {
	case nil, *StepOutput:
	case Event:
		emit(opts.stampEvent(c))
	default:
		emit(opts.stampEvent(&StepContentEvent{
			BaseEvent: newBase(EventStepContent),
			StepScope: scope(s.name, opts.Path),
			Content:   c,
		}))
	}
}

func (s *Step) runAgent(ctx context.Context, a types.Agent, in *StepInput, opts ExecOptions, emit Emitter) (*StepOutput, error) {
	req := &types.RunRequest{
		Message:                 s.prepareMessage(in),
		Images:                  convertImages(in.Images, s.logger),
		Videos:                  convertVideos(in.Videos, s.logger),
		Audio:                   convertAudio(in.Audio, s.logger),
		SessionID:               opts.SessionID,
		UserID:                  opts.UserID,
		Stream:                  emit != nil,
		StreamIntermediateSteps: opts.StreamIntermediateSteps,
		SessionState:            copyState(opts.SessionState),
		WorkflowID:              opts.WorkflowID,
		WorkflowSessionID:       opts.SessionID,
	}

	var (
		resp *types.AgentResponse
		err  error
	)
	if sa, ok := a.(types.StreamingAgent); ok && emit != nil {
		resp, err = sa.RunStream(ctx, req, func(ev types.Event) { emit(ev) })
	} else {
		resp, err = a.Run(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return s.normalize(resp), nil
}

// prepareMessage gives agents the last previous content when there is one,
// and the original message otherwise.
func (s *Step) prepareMessage(in *StepInput) any {
	if in.PreviousStepOutputs != nil {
		if last := in.PreviousStepOutputs.Newest(); last != nil && last.Value != nil && !isEmptyContent(last.Value.Content) {
			return last.Value.Content
		}
	}
	return in.Message
}

// normalize converts an executor result into a StepOutput.
func (s *Step) normalize(v any) *StepOutput {
	switch r := v.(type) {
	case nil:
		return NewStepOutput("")
	case *StepOutput:
		if r == nil {
			return NewStepOutput("")
		}
		return r
	case StepOutput:
		return &r
	case *types.AgentResponse:
		if r == nil {
			return NewStepOutput("")
		}
		out := &StepOutput{
			Content:    r.Content,
			Images:     r.Images,
			Videos:     r.Videos,
			Audio:      r.Audio,
			StateDelta: r.SessionState,
		}
		if len(r.Metrics) > 0 {
			out.Metrics = &StepMetrics{
				StepName:     s.name,
				ExecutorType: s.ExecutorType(),
				ExecutorName: s.ExecutorName(),
				Metrics:      r.Metrics,
			}
		}
		return out
	case string:
		return NewStepOutput(r)
	default:
		return NewStepOutput(contentString(r))
	}
}

// stamp sets the step identity on an output. Applying it twice is a no-op.
func (s *Step) stamp(out *StepOutput) *StepOutput {
	out.StepName = s.name
	out.StepID = s.stepID
	out.ExecutorType = s.ExecutorType()
	out.ExecutorName = s.ExecutorName()
	if out.Error == "" {
		out.Success = true
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
