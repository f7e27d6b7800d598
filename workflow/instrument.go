package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/stepflow/types"
)

const instrumentationName = "github.com/BaSui01/stepflow/workflow"

// Step outcomes reported to spans and metrics.
const (
	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeSkipped   = "skipped"
	outcomeCancelled = "cancelled"
)

// MetricsRecorder 接收工作流指标，internal/metrics.Collector 实现了该接口。
type MetricsRecorder interface {
	RecordWorkflowRun(workflow, status string, duration time.Duration)
	RecordStepExecution(workflow, step, executorType, outcome string, duration time.Duration)
	RecordStepRetry(workflow, step string)
	RecordEvent(workflow, eventType string)
}

// instrumentation bundles tracing and metrics for one workflow. A nil
// *instrumentation records nothing.
type instrumentation struct {
	tracer   trace.Tracer
	recorder MetricsRecorder

	runCounter   metric.Int64Counter
	stepDuration metric.Float64Histogram
}

func newInstrumentation(tp trace.TracerProvider, mp metric.MeterProvider, rec MetricsRecorder) *instrumentation {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	inst := &instrumentation{
		tracer:   tp.Tracer(instrumentationName),
		recorder: rec,
	}
	if c, err := meter.Int64Counter("stepflow.workflow.runs",
		metric.WithDescription("Workflow runs by final status")); err == nil {
		inst.runCounter = c
	}
	if h, err := meter.Float64Histogram("stepflow.step.duration",
		metric.WithDescription("Step execution duration"),
		metric.WithUnit("s")); err == nil {
		inst.stepDuration = h
	}
	return inst
}

// startRun opens the run span. The returned func records the final status.
func (i *instrumentation) startRun(ctx context.Context, workflowName, runID, sessionID string) (context.Context, func(status RunStatus)) {
	if i == nil {
		return ctx, func(RunStatus) {}
	}
	start := time.Now()
	ctx, span := i.tracer.Start(ctx, "workflow "+workflowName,
		trace.WithAttributes(
			attribute.String("stepflow.workflow.name", workflowName),
			attribute.String("stepflow.run_id", runID),
			attribute.String("stepflow.session_id", sessionID),
		))
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = types.WithTraceID(ctx, sc.TraceID().String())
	}

	return ctx, func(status RunStatus) {
		span.SetAttributes(attribute.String("stepflow.run.status", string(status)))
		if status == StatusError {
			span.SetStatus(codes.Error, "workflow run failed")
		}
		span.End()

		if i.runCounter != nil {
			i.runCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("workflow", workflowName),
				attribute.String("status", string(status)),
			))
		}
		if i.recorder != nil {
			i.recorder.RecordWorkflowRun(workflowName, string(status), time.Since(start))
		}
	}
}

// startStep opens a step span. The returned func records the outcome.
func (i *instrumentation) startStep(ctx context.Context, name, executorType string, opts ExecOptions) (context.Context, func(outcome string)) {
	if i == nil {
		return ctx, func(string) {}
	}
	start := time.Now()
	ctx, span := i.tracer.Start(ctx, "step "+name,
		trace.WithAttributes(
			attribute.String("stepflow.step.name", name),
			attribute.String("stepflow.step.executor_type", executorType),
			attribute.IntSlice("stepflow.step.index", []int(opts.Path)),
			attribute.String("stepflow.run_id", opts.RunID),
		))

	return ctx, func(outcome string) {
		elapsed := time.Since(start)
		span.SetAttributes(attribute.String("stepflow.step.outcome", outcome))
		if outcome == outcomeError {
			span.SetStatus(codes.Error, "step failed")
		}
		span.End()

		if i.stepDuration != nil {
			i.stepDuration.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(
				attribute.String("step", name),
				attribute.String("executor_type", executorType),
				attribute.String("outcome", outcome),
			))
		}
		if i.recorder != nil {
			i.recorder.RecordStepExecution(opts.WorkflowName, name, executorType, outcome, elapsed)
		}
	}
}

func (i *instrumentation) stepRetry(name string, opts ExecOptions) {
	if i == nil || i.recorder == nil {
		return
	}
	i.recorder.RecordStepRetry(opts.WorkflowName, name)
}

func (i *instrumentation) event(workflowName string, ev Event) {
	if i == nil || i.recorder == nil || ev == nil {
		return
	}
	i.recorder.RecordEvent(workflowName, ev.EventType())
}
