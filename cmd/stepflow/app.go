package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/internal/pool"
	"github.com/BaSui01/stepflow/internal/telemetry"
	"github.com/BaSui01/stepflow/workflow"
	"github.com/BaSui01/stepflow/workflow/eventbus"
	"github.com/BaSui01/stepflow/workflow/storage"
)

// =============================================================================
// 🧩 运行时组件装配
// =============================================================================

// app 持有一次命令执行所需的全部组件
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Providers
	registry  *prometheus.Registry
	collector *metrics.Collector
	storage   storage.Backend
	sinks     *eventbus.Sinks
	bgPool    *pool.GoroutinePool
}

// newApp 按配置创建组件。失败时已创建的组件会被关闭。
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		// 遥测不可用时继续运行
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		a.telemetry = nil
		err = nil
	}

	var storageOpts []storage.Option
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.collector = metrics.NewCollectorWithRegistry(cfg.Metrics.Namespace, a.registry, logger)
		storageOpts = append(storageOpts,
			storage.WithOpRecorder(a.collector),
			storage.WithCacheRecorder(a.collector),
			storage.WithDBStatsRecorder(a.collector),
		)
	}

	a.storage, err = storage.Open(ctx, cfg.Storage, logger, storageOpts...)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.sinks, err = eventbus.FromConfig(cfg.Events, logger)
	if err != nil {
		return nil, fmt.Errorf("open event sinks: %w", err)
	}

	a.bgPool = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: cfg.Workflow.BackgroundWorkers,
		QueueSize:  cfg.Workflow.BackgroundQueueSize,
		PanicHandler: func(runID string, r any) {
			logger.Error("background run panicked", zap.String("run_id", runID), zap.Any("panic", r))
		},
	})
	return a, nil
}

// workflowOptions 返回所有工作流共用的选项
func (a *app) workflowOptions() []workflow.Option {
	wf := a.cfg.Workflow
	opts := []workflow.Option{
		workflow.WithLogger(a.logger),
		workflow.WithStorage(a.storage),
		workflow.WithStoreEvents(wf.StoreEvents),
		workflow.WithEventsToSkip(wf.EventsToSkip...),
		workflow.WithStreamIntermediateSteps(wf.StreamIntermediateSteps),
		workflow.WithEventSinks(a.sinks.List()...),
		workflow.WithBackgroundPool(a.bgPool),
		// 遥测关闭时为 noop Provider
		workflow.WithTracerProvider(a.telemetry.TracerProvider()),
		workflow.WithMeterProvider(a.telemetry.MeterProvider()),
	}
	if a.collector != nil {
		opts = append(opts, workflow.WithMetrics(a.collector))
	}
	return opts
}

// Close 依次关闭后台池、事件接收端、存储与遥测
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.bgPool != nil {
		if err := a.bgPool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown background pool: %w", err))
		}
	}
	if a.sinks != nil {
		if err := a.sinks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event sinks: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newPipeline 创建 text-insights 工作流。sessionID 为空时首次运行会创建新会话。
func (a *app) newPipeline(sessionID, userID string) (*workflow.Workflow, error) {
	steps, err := newTextPipeline(a.cfg.Workflow, a.logger).Steps()
	if err != nil {
		return nil, err
	}
	opts := append(a.workflowOptions(),
		workflow.WithWorkflowID(pipelineName),
		workflow.WithWorkflowDescription("Word statistics, summary and headline for a piece of text"),
		workflow.WithSteps(steps...),
	)
	if sessionID != "" {
		opts = append(opts, workflow.WithSessionID(sessionID))
	}
	if userID != "" {
		opts = append(opts, workflow.WithUserID(userID))
	}
	return workflow.New(pipelineName, opts...)
}
