package workflow

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// streamBufferSize 事件通道缓冲大小
const streamBufferSize = 64

// RunStream 流式执行工作流。事件在独立 goroutine 中产生，
// 通道在 WorkflowCompletedEvent 之后关闭。调用方应读到通道关闭，
// 或取消 ctx 以结束运行。
func (w *Workflow) RunStream(ctx context.Context, input any, opts ...RunOption) (<-chan Event, error) {
	cfg := applyRunOptions(opts)
	if cfg.background {
		return nil, types.NewError(types.ErrBackgroundUnsupported, "background execution is not supported for streaming runs")
	}
	rc, err := w.prepareRun(ctx, input, cfg, StatusRunning)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, streamBufferSize)
	go w.runStream(ctx, rc, out)
	return out, nil
}

// ARunStream 与 RunStream 相同
func (w *Workflow) ARunStream(ctx context.Context, input any, opts ...RunOption) (<-chan Event, error) {
	return w.RunStream(ctx, input, opts...)
}

func (w *Workflow) runStream(ctx context.Context, rc *runContext, out chan<- Event) {
	defer close(out)

	se := &streamEmitter{w: w, rc: rc, ctx: ctx, out: out}
	ctx, end := w.inst.startRun(ctx, w.name, rc.opts.RunID, rc.opts.SessionID)

	se.emit(&WorkflowStartedEvent{BaseEvent: newBase(EventWorkflowStarted)})

	content, err := w.execute(ctx, rc, se.emit, true)
	status, final := settle(ctx, content, err)
	switch status {
	case StatusError:
		w.logger.Error("workflow run failed", zap.String("run_id", rc.opts.RunID), zap.Error(err))
		se.emitTerminal(&WorkflowErrorEvent{
			BaseEvent: newBase(EventWorkflowError),
			Error:     err.Error(),
		})
	case StatusCancelled:
		w.logger.Info("workflow run cancelled", zap.String("run_id", rc.opts.RunID))
		se.emitTerminal(&WorkflowCancelledEvent{
			BaseEvent: newBase(EventWorkflowCancelled),
			Reason:    ctx.Err().Error(),
		})
	}

	snap := rc.run.Snapshot()
	completed := &WorkflowCompletedEvent{
		BaseEvent:     newBase(EventWorkflowCompleted),
		Content:       final,
		Status:        status,
		StepResponses: snap.StepResponses,
		Metrics:       aggregateMetrics(snap.StepResponses),
	}
	se.record(completed)
	w.complete(ctx, rc, status, final)
	end(status)
	se.send(completed, true)
}

// streamEmitter fans events out to the run record, the sinks and the channel.
// Parallel children call it concurrently.
type streamEmitter struct {
	mu  sync.Mutex
	w   *Workflow
	rc  *runContext
	ctx context.Context
	out chan<- Event
}

func (s *streamEmitter) emit(ev Event) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(ev)
	s.sendLocked(ev, false)
}

// emitTerminal delivers an event that must not block on a cancelled run.
func (s *streamEmitter) emitTerminal(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(ev)
	s.sendLocked(ev, true)
}

func (s *streamEmitter) record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(ev)
}

func (s *streamEmitter) send(ev Event, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendLocked(ev, terminal)
}

func (s *streamEmitter) recordLocked(ev Event) {
	s.rc.opts.stampEvent(ev)

	if s.w.storeEvents {
		if _, skip := s.w.eventsToSkip[ev.EventType()]; !skip {
			s.rc.run.appendEvent(ev)
		}
	}

	sinkCtx := context.WithoutCancel(s.ctx)
	for _, sink := range s.w.sinks {
		if err := sink.Publish(sinkCtx, ev); err != nil {
			s.w.logger.Warn("event sink publish failed",
				zap.String("event", ev.EventType()),
				zap.Error(err))
		}
	}
	s.w.inst.event(s.w.name, ev)
}

// sendLocked blocks until the consumer reads the event or the run context is
// done. Terminal events on a cancelled run are sent only if the buffer has room.
func (s *streamEmitter) sendLocked(ev Event, terminal bool) {
	if terminal && s.ctx.Err() != nil {
		select {
		case s.out <- ev:
		default:
		}
		return
	}
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	}
}
