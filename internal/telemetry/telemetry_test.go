package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/proofflow/config"
)

// restoreGlobals 测试结束后恢复全局 provider
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func TestInit_Disabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(context.Background(), config.TelemetryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.Nil(t, p.mp)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	restoreGlobals(t)

	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.ServiceName = "proofflow-test"
	cfg.SampleRate = 1

	p, err := Init(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		// 没有 collector，关闭可能报连接错误
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	assert.True(t, p.Enabled())
	_, isSDKTracer := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, isSDKMeter := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, isSDKTracer)
	assert.True(t, isSDKMeter)

	_, span := otel.Tracer("proofflow/test").Start(context.Background(), "dispatch")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()
}

func TestProviders_ShutdownNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Enabled())
}

func TestBuildVersion(t *testing.T) {
	// 测试二进制的主模块版本为 (devel)
	assert.Equal(t, "dev", BuildVersion())
}
