package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/stepflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

// restoreGlobals 在测试结束时恢复全局 Provider
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func enabledConfig() config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "stepflow-test",
		SampleRate:   1,
	}
}

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NotNil(t, p.MeterProvider().Meter("test"))

	assert.NoError(t, p.Flush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_NilLogger(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
}

func TestInit_ExportsToInjectedExporters(t *testing.T) {
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()

	p, err := Init(context.Background(), enabledConfig(), zaptest.NewLogger(t),
		WithSpanExporter(spans), WithMetricReader(reader), WithoutGlobal())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	require.True(t, p.Enabled())

	_, span := p.TracerProvider().Tracer("stepflow").Start(context.Background(), "workflow.run")
	span.End()
	require.Len(t, spans.GetSpans(), 1)
	got := spans.GetSpans()[0]
	assert.Equal(t, "workflow.run", got.Name)

	var service string
	for _, kv := range got.Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "stepflow-test", service)

	counter, err := p.MeterProvider().Meter("stepflow").Int64Counter("runs")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)

	assert.NoError(t, p.Flush(context.Background()))
}

func TestInit_SampleRateZeroDropsRootSpans(t *testing.T) {
	spans := tracetest.NewInMemoryExporter()
	cfg := enabledConfig()
	cfg.SampleRate = 0

	p, err := Init(context.Background(), cfg, nil,
		WithSpanExporter(spans), WithMetricReader(sdkmetric.NewManualReader()), WithoutGlobal())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := p.TracerProvider().Tracer("stepflow").Start(context.Background(), "dropped")
	span.End()
	assert.Empty(t, spans.GetSpans())
}

func TestInit_RegistersGlobals(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(context.Background(), enabledConfig(), zaptest.NewLogger(t),
		WithSpanExporter(tracetest.NewInMemoryExporter()), WithMetricReader(sdkmetric.NewManualReader()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)
	_, isSDKMeter := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, isSDKMeter)
}

func TestInit_OTLPExporters(t *testing.T) {
	restoreGlobals(t)

	// gRPC 连接是惰性的，没有 collector 也能创建
	p, err := Init(context.Background(), enabledConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestProviders_Nil(t *testing.T) {
	var p *Providers
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.TracerProvider())
	assert.NotNil(t, p.MeterProvider())
	assert.NoError(t, p.Flush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestBuildVersion(t *testing.T) {
	// 测试二进制的模块版本为 (devel)
	assert.Equal(t, "dev", buildVersion())
}
