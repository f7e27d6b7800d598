package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// 运行选项
// =============================================================================

// RunOption 配置单次运行
type RunOption func(*runConfig)

type runConfig struct {
	sessionID          string
	userID             string
	additionalData     map[string]any
	images             []types.ImageArtifact
	videos             []types.VideoArtifact
	audio              []types.AudioArtifact
	streamIntermediate *bool
	args               map[string]any
	background         bool
}

func applyRunOptions(opts []RunOption) runConfig {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithRunSessionID 本次运行使用指定会话
func WithRunSessionID(id string) RunOption {
	return func(c *runConfig) { c.sessionID = id }
}

func WithRunUserID(id string) RunOption {
	return func(c *runConfig) { c.userID = id }
}

// WithAdditionalData 原样传给每个步骤的 StepInput.AdditionalData
func WithAdditionalData(data map[string]any) RunOption {
	return func(c *runConfig) { c.additionalData = data }
}

func WithImages(images ...types.ImageArtifact) RunOption {
	return func(c *runConfig) { c.images = append(c.images, images...) }
}

func WithVideos(videos ...types.VideoArtifact) RunOption {
	return func(c *runConfig) { c.videos = append(c.videos, videos...) }
}

func WithAudio(audio ...types.AudioArtifact) RunOption {
	return func(c *runConfig) { c.audio = append(c.audio, audio...) }
}

// WithStreamIntermediate 覆盖工作流的 stream_intermediate_steps 设置
func WithStreamIntermediate(enabled bool) RunOption {
	return func(c *runConfig) { c.streamIntermediate = &enabled }
}

// WithRunArgs 传给自定义函数的额外参数
func WithRunArgs(args map[string]any) RunOption {
	return func(c *runConfig) { c.args = args }
}

// WithBackground 仅 ARun 支持：立即返回 pending 的运行，在后台执行
func WithBackground() RunOption {
	return func(c *runConfig) { c.background = true }
}

// =============================================================================
// 运行上下文
// =============================================================================

// runContext holds everything a single run needs. session and state are the
// run's own binding: per-run session or user overrides never leak into the
// workflow defaults.
type runContext struct {
	run     *RunResponse
	input   *ExecutionInput
	opts    ExecOptions
	args    map[string]any
	session *Session
	state   *sessionState
	own     bool // session is the workflow's current session
}

// prepareRun assigns ids, binds the run to its session and registers it.
func (w *Workflow) prepareRun(ctx context.Context, input any, cfg runConfig, status RunStatus) (*runContext, error) {
	w.mu.Lock()

	if w.workflowID == "" {
		w.workflowID = newID()
	}
	sessionID := cfg.sessionID
	if sessionID == "" {
		if w.sessionID == "" {
			w.sessionID = newID()
		}
		sessionID = w.sessionID
	}
	userID := cfg.userID
	if userID == "" {
		userID = w.userID
	}
	runID := newID()

	rc := &runContext{own: sessionID == w.sessionID}
	var err error
	if rc.own {
		rc.session, err = w.loadSessionLocked(ctx, sessionID, false)
		rc.state = w.state
		if cfg.userID == "" {
			userID = w.userID
		}
	} else {
		rc.session, rc.state, err = w.openSessionLocked(ctx, sessionID, userID)
	}
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if rc.session.UserID == "" {
		rc.session.UserID = userID
	}

	rc.state.Set("workflow_id", w.workflowID)
	rc.state.Set("run_id", runID)
	rc.state.Set("session_id", sessionID)
	if w.name != "" {
		rc.state.Set("workflow_name", w.name)
	}
	if name := w.sessionNameLocked(rc); name != "" {
		rc.state.Set("session_name", name)
	}

	in := executionInput(input, cfg)
	id := runIdentity{
		WorkflowID:   w.workflowID,
		WorkflowName: w.name,
		SessionID:    sessionID,
		RunID:        runID,
	}
	run := newRunResponse(id, status)
	run.Images = append(run.Images, in.Images...)
	run.Videos = append(run.Videos, in.Videos...)
	run.Audio = append(run.Audio, in.Audio...)
	w.active[runID] = run

	stream := w.streamIntermediate
	if cfg.streamIntermediate != nil {
		stream = *cfg.streamIntermediate
	}
	rc.run = run
	rc.input = in
	rc.args = cfg.args
	rc.opts = ExecOptions{
		SessionID:               sessionID,
		UserID:                  userID,
		WorkflowID:              w.workflowID,
		WorkflowName:            w.name,
		RunID:                   runID,
		StreamIntermediateSteps: stream,
		inst:                    w.inst,
	}
	w.mu.Unlock()

	w.logger.Debug("workflow run prepared",
		zap.String("run_id", runID),
		zap.String("session_id", sessionID),
		zap.String("status", string(status)))
	w.persist(ctx, rc)
	return rc, nil
}

// executionInput accepts either a ready *ExecutionInput or a bare message.
func executionInput(input any, cfg runConfig) *ExecutionInput {
	in := &ExecutionInput{}
	switch v := input.(type) {
	case *ExecutionInput:
		if v != nil {
			*in = *v
		}
	case ExecutionInput:
		*in = v
	default:
		in.Message = input
	}
	if cfg.additionalData != nil {
		in.AdditionalData = cfg.additionalData
	}
	in.Images = append(append([]types.ImageArtifact(nil), in.Images...), cfg.images...)
	in.Videos = append(append([]types.VideoArtifact(nil), in.Videos...), cfg.videos...)
	in.Audio = append(append([]types.AudioArtifact(nil), in.Audio...), cfg.audio...)
	return in
}

// persist writes the run into the session it is bound to. Storage failures
// are logged; they never fail the run.
func (w *Workflow) persist(ctx context.Context, rc *runContext) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rc.session.UpsertRun(rc.run.Snapshot())
	if err := w.saveSessionLocked(context.WithoutCancel(ctx), rc.session, rc.state, rc.own); err != nil {
		w.logger.Warn("failed to persist workflow run",
			zap.String("run_id", rc.run.RunID),
			zap.Error(err))
	}
}

// =============================================================================
// 执行
// =============================================================================

// Run 阻塞执行工作流。失败时返回的 RunResponse 状态为 error，同时返回错误。
func (w *Workflow) Run(ctx context.Context, input any, opts ...RunOption) (*RunResponse, error) {
	cfg := applyRunOptions(opts)
	if cfg.background {
		return nil, types.NewError(types.ErrBackgroundUnsupported, "background execution is only supported by ARun")
	}
	rc, err := w.prepareRun(ctx, input, cfg, StatusRunning)
	if err != nil {
		return nil, err
	}
	return rc.run, w.runBlocking(ctx, rc)
}

// ARun 与 Run 相同；带 WithBackground 时立即返回 pending 的运行并在后台执行。
func (w *Workflow) ARun(ctx context.Context, input any, opts ...RunOption) (*RunResponse, error) {
	cfg := applyRunOptions(opts)
	if cfg.background {
		return w.runBackground(ctx, input, cfg)
	}
	rc, err := w.prepareRun(ctx, input, cfg, StatusRunning)
	if err != nil {
		return nil, err
	}
	return rc.run, w.runBlocking(ctx, rc)
}

func (w *Workflow) runBlocking(ctx context.Context, rc *runContext) error {
	ctx, end := w.inst.startRun(ctx, w.name, rc.opts.RunID, rc.opts.SessionID)
	content, err := w.execute(ctx, rc, nil, false)
	status, final := settle(ctx, content, err)
	if status == StatusError {
		w.logger.Error("workflow run failed", zap.String("run_id", rc.opts.RunID), zap.Error(err))
	}
	w.complete(ctx, rc, status, final)
	end(status)
	return err
}

// execute runs the custom callable or the step list and returns the run content.
func (w *Workflow) execute(ctx context.Context, rc *runContext, emit Emitter, stream bool) (any, error) {
	ctx = withRunScope(ctx, rc.opts)
	switch {
	case w.customFn != nil:
		res, err := w.customFn(ctx, w, rc.input, rc.args)
		if err != nil {
			return nil, err
		}
		if out, ok := res.(*StepOutput); ok && out != nil {
			return out.Content, nil
		}
		return res, nil

	case w.customGen != nil:
		gen := func(ctx context.Context, _ *StepInput, yield func(chunk any) bool) error {
			return w.customGen(ctx, w, rc.input, rc.args, yield)
		}
		var onChunk func(any)
		if stream {
			onChunk = func(chunk any) {
				switch c := chunk.(type) {
				case nil, *StepOutput:
				case Event:
					emit.emit(rc.opts.stampEvent(c))
				default:
					emit.emit(rc.opts.stampEvent(&StepContentEvent{
						BaseEvent: newBase(EventStepContent),
						StepScope: StepScope{StepName: w.name},
						Content:   c,
					}))
				}
			}
		}
		out, err := DrainAndWrap(ctx, gen, nil, onChunk)
		if err != nil {
			return nil, err
		}
		return out.Content, nil
	}
	return w.executeSteps(ctx, rc, emit, stream)
}

// executeSteps runs the top-level steps in declaration order.
func (w *Workflow) executeSteps(ctx context.Context, rc *runContext, emit Emitter, stream bool) (any, error) {
	previous := NewOutputMap()
	var previousContent any
	images := append([]types.ImageArtifact(nil), rc.input.Images...)
	videos := append([]types.VideoArtifact(nil), rc.input.Videos...)
	audio := append([]types.AudioArtifact(nil), rc.input.Audio...)

	var last *StepOutput
	for i, step := range w.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in := (&StepInput{
			Message:             rc.input.Message,
			PreviousStepContent: previousContent,
			PreviousStepOutputs: previous,
			AdditionalData:      rc.input.AdditionalData,
			Images:              images,
			Videos:              videos,
			Audio:               audio,
		}).clone()

		opts := rc.opts
		opts.Path = Root(i)
		opts.SessionState = rc.state.Snapshot()

		w.logger.Debug("executing step",
			zap.String("step", step.Name()),
			zap.String("index", FormatStepPath(opts.Path, 0)))

		res, err := execute(ctx, step, in, opts, emit, stream)
		if err != nil {
			return nil, err
		}

		if stream {
			if s, ok := step.(*Step); ok && s.ExecutorType() == ExecutorTypeFunction && res.Last() != nil {
				emit.emit(opts.stampEvent(&StepOutputEvent{
					BaseEvent:  newBase(EventStepOutput),
					StepScope:  scope(step.Name(), opts.Path),
					StepOutput: res.Last(),
				}))
			}
		}

		if out := res.Last(); out != nil {
			previous.Set(step.Name(), out)
			previousContent = out.Content
			last = out
		}

		var newImages []types.ImageArtifact
		var newVideos []types.VideoArtifact
		var newAudio []types.AudioArtifact
		for _, out := range res.Outputs {
			if out == nil {
				continue
			}
			newImages = append(newImages, out.Images...)
			newVideos = append(newVideos, out.Videos...)
			newAudio = append(newAudio, out.Audio...)
		}
		images = append(images, newImages...)
		videos = append(videos, newVideos...)
		audio = append(audio, newAudio...)

		rc.run.update(func(r *RunResponse) {
			r.StepResponses = append(r.StepResponses, res)
			r.Images = append(r.Images, newImages...)
			r.Videos = append(r.Videos, newVideos...)
			r.Audio = append(r.Audio, newAudio...)
		})
		rc.state.Apply(resultDeltas(res)...)
		w.persist(ctx, rc)

		if res.Stopped() {
			w.logger.Info("workflow stopped early", zap.String("step", step.Name()))
			break
		}
	}

	if last == nil {
		return "No steps executed", nil
	}
	return last.Content, nil
}

// settle maps the execution result to a terminal status and content.
func settle(ctx context.Context, content any, err error) (RunStatus, any) {
	switch {
	case err == nil:
		return StatusCompleted, content
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return StatusCancelled, fmt.Sprintf("Workflow run cancelled: %s", ctx.Err())
	default:
		return StatusError, fmt.Sprintf("Workflow execution failed: %s", err)
	}
}

// complete moves the run to its terminal status, persists it and unregisters it.
func (w *Workflow) complete(ctx context.Context, rc *runContext, status RunStatus, content any) {
	rc.run.update(func(r *RunResponse) {
		r.WorkflowMetrics = aggregateMetrics(r.StepResponses)
		r.Content = content
		r.Status = status
	})
	w.persist(ctx, rc)

	w.mu.Lock()
	delete(w.active, rc.opts.RunID)
	if cancel, ok := w.cancels[rc.opts.RunID]; ok {
		cancel()
		delete(w.cancels, rc.opts.RunID)
	}
	w.mu.Unlock()

	w.logger.Debug("workflow run finished",
		zap.String("run_id", rc.opts.RunID),
		zap.String("status", string(status)))
}

// withRunScope 把运行标识写入 ctx，执行器可通过 types.RunID 等读取
func withRunScope(ctx context.Context, opts ExecOptions) context.Context {
	ctx = types.WithWorkflowID(ctx, opts.WorkflowID)
	ctx = types.WithSessionID(ctx, opts.SessionID)
	ctx = types.WithRunID(ctx, opts.RunID)
	if opts.UserID != "" {
		ctx = types.WithUserID(ctx, opts.UserID)
	}
	return ctx
}
