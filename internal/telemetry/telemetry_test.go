package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/ddrflow/config"
	"github.com/BaSui01/ddrflow/llm/budget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), config.TelemetryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "ddrflow-test",
		SampleRate:   0.5,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)

	// 没有 collector，只验证能在期限内结束
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestProviders_ShutdownNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Enabled())
}

type staticStatus budget.Status

func (s staticStatus) Status() budget.Status { return budget.Status(s) }

func TestRegisterBudgetInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	reg, err := RegisterBudgetInstruments(mp.Meter("test"), staticStatus{
		Requests: budget.WindowStatus{Used: 10, Pending: 2, Utilisation: 0.48},
		Tokens:   budget.WindowStatus{Used: 7000, Utilisation: 0.5},
		Stats:    budget.Stats{TotalWait: 2500 * time.Millisecond},
	})
	require.NoError(t, err)
	defer reg.Unregister()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	got := map[string]metricdata.Aggregation{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		got[m.Name] = m.Data
	}
	require.Contains(t, got, "ddrflow.budget.used")
	used := got["ddrflow.budget.used"].(metricdata.Gauge[int64])
	assert.Len(t, used.DataPoints, 2)

	wait := got["ddrflow.budget.wait"].(metricdata.Sum[float64])
	require.Len(t, wait.DataPoints, 1)
	assert.InDelta(t, 2.5, wait.DataPoints[0].Value, 1e-9)
}

func TestModuleVersion(t *testing.T) {
	assert.Equal(t, "dev", moduleVersion())
}

func TestNewResource(t *testing.T) {
	res, err := newResource(context.Background(), config.TelemetryConfig{ServiceName: "ddrflow-test"})
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "ddrflow-test", attrs["service.name"])
	assert.Equal(t, "development", attrs["deployment.environment"])
	assert.NotEmpty(t, attrs["service.instance.id"])
}

func TestProviders_ShutdownRunsInReverse(t *testing.T) {
	var order []string
	p := &Providers{shutdowns: []func(context.Context) error{
		func(context.Context) error { order = append(order, "traces"); return nil },
		func(context.Context) error { order = append(order, "metrics"); return assert.AnError },
	}}

	err := p.Shutdown(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"metrics", "traces"}, order)
	assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
}
