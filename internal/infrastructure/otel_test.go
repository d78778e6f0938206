package infrastructure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// TestOTelInitialization tests OpenTelemetry initialization
func TestOTelInitialization(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.TraceExporter = "stdout"

	providers, err := InitializeOTel(cfg, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.PrometheusHTTP)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestOTelDisabledExporters(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	providers, err := InitializeOTel(cfg, discardLogger())
	require.NoError(t, err)

	assert.Nil(t, providers.TracerProvider)
	assert.Nil(t, providers.MeterProvider)
	assert.Nil(t, providers.PrometheusHTTP)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.Meter)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestOTelUnsupportedExporter(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.TraceExporter = "jaeger"
	_, err := InitializeOTel(cfg, discardLogger())
	assert.Error(t, err)

	cfg = DefaultOTelConfig()
	cfg.MetricExporter = "statsd"
	_, err = InitializeOTel(cfg, discardLogger())
	assert.Error(t, err)
}

// TestTraceCorrelation tests trace ID correlation
func TestTraceCorrelation(t *testing.T) {
	cfg := DefaultOTelConfig()
	cfg.TraceExporter = "stdout"
	providers, err := InitializeOTel(cfg, discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "test-operation")
	defer span.End()

	traceID := TraceIDFromContext(ctx)
	assert.NotEmpty(t, traceID)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)

	AddSpanEvent(ctx, "checked", map[string]interface{}{"attempt": 1, "ok": true, "who": "x"})
	SetSpanAttributes(ctx, map[string]interface{}{"ratio": 0.5, "n": int64(3)})
	RecordError(ctx, errors.New("boom"))

	assert.Empty(t, TraceIDFromContext(context.Background()))
}

// TestPrometheusEndpoint checks that recorded license metrics are exposed
func TestPrometheusEndpoint(t *testing.T) {
	providers, err := InitializeOTel(DefaultOTelConfig(), discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)

	ctx := context.Background()
	RecordIssue(ctx, metrics, "success", 20*time.Millisecond)
	RecordActivation(ctx, metrics, "ACTIVATED", 5*time.Millisecond)
	metrics.LicenseKeyCollisions.Add(ctx, 1)

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "license_issue_total")
	assert.Contains(t, body, `result="success"`)
	assert.Contains(t, body, "license_activation_total")
	assert.Contains(t, body, `outcome="ACTIVATED"`)
	assert.Contains(t, body, "license_key_collisions_total")
	assert.Contains(t, body, "go_goroutines")
}

func TestBusinessMetricsNoop(t *testing.T) {
	metrics, err := CreateBusinessMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	require.NotNil(t, metrics.LicenseCacheHits)

	assert.NotPanics(t, func() {
		RecordIssue(context.Background(), metrics, "delivery_error", time.Second)
		RecordIssue(context.Background(), nil, "ignored", time.Second)
		RecordActivation(context.Background(), nil, "ignored", time.Second)
	})
}
