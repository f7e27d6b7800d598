package workflow

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/pool"
	"github.com/BaSui01/stepflow/types"
)

// backgroundPool returns the configured pool, creating an owned one on first use.
func (w *Workflow) backgroundPool() *pool.GoroutinePool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bgPool == nil {
		cfg := pool.DefaultGoroutinePoolConfig()
		logger := w.logger
		cfg.PanicHandler = func(runID string, r any) {
			logger.Error("background task panicked", zap.String("run_id", runID), zap.Any("panic", r))
		}
		w.bgPool = pool.NewGoroutinePool(cfg)
		w.ownsBgPool = true
	}
	return w.bgPool
}

// runBackground saves a pending run and schedules it on the background pool.
// The returned RunResponse is live: use Wait, Done or GetStatus to follow it.
func (w *Workflow) runBackground(ctx context.Context, input any, cfg runConfig) (*RunResponse, error) {
	rc, err := w.prepareRun(ctx, input, cfg, StatusPending)
	if err != nil {
		return nil, err
	}
	if !rc.run.markBackground() {
		return nil, types.Errorf(types.ErrInternalError, "run %s already has a background task", rc.opts.RunID)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.cancels[rc.opts.RunID] = cancel
	w.mu.Unlock()

	// 排队期间被取消的任务不会被池执行，由 watcher 负责收尾
	var claimed atomic.Bool
	stop := context.AfterFunc(bgCtx, func() {
		if claimed.CompareAndSwap(false, true) {
			w.complete(ctx, rc, StatusCancelled, fmt.Sprintf("Workflow run cancelled: %s", bgCtx.Err()))
		}
	})

	err = w.backgroundPool().Submit(bgCtx, rc.opts.RunID, func(ctx context.Context) error {
		if !claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		stop()
		w.runBackgroundTask(ctx, rc)
		return nil
	})
	if err != nil {
		stop()
		msg := fmt.Sprintf("Background execution failed: %s", err)
		if !claimed.CompareAndSwap(false, true) {
			return rc.run, types.NewError(types.ErrInternalError, msg).WithCause(err)
		}
		w.complete(ctx, rc, StatusError, msg)
		return rc.run, types.NewError(types.ErrInternalError, msg).WithCause(err)
	}

	w.logger.Debug("background run scheduled", zap.String("run_id", rc.opts.RunID))
	return rc.run, nil
}

func (w *Workflow) runBackgroundTask(ctx context.Context, rc *runContext) {
	ctx, end := w.inst.startRun(ctx, w.name, rc.opts.RunID, rc.opts.SessionID)
	status := StatusError
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("background run panicked",
				zap.String("run_id", rc.opts.RunID),
				zap.Any("panic", r))
			w.complete(ctx, rc, StatusError, fmt.Sprintf("Background execution failed: %v", r))
		}
		end(status)
	}()

	rc.run.setStatus(StatusRunning)
	w.persist(ctx, rc)

	content, err := w.execute(ctx, rc, nil, false)
	var final any
	status, final = settle(ctx, content, err)
	if status == StatusError {
		w.logger.Error("background run failed", zap.String("run_id", rc.opts.RunID), zap.Error(err))
	}
	w.complete(ctx, rc, status, final)
}
