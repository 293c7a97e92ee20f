package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_ProductionByDefault(t *testing.T) {
	log, err := NewLogger()
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestNewLogger_DevelopmentWhenEnvSet(t *testing.T) {
	t.Setenv("ANGZARR_ENV", "development")
	log, err := NewLogger()
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestNewTracerProvider_StartsSpans(t *testing.T) {
	tp := NewTracerProvider()
	ctx, span := StartSpan(context.Background(), tp, "aggregate.handle")
	assert.NotNil(t, ctx)
	span.End()
}

func TestNewMetrics_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.AppendTotal.WithLabelValues("orders", "ok").Inc()
	m.ConcurrencyConflicts.WithLabelValues("orders").Inc()
	m.CascadeDepth.Observe(3)
	m.ProjectorLagSeq.WithLabelValues("orders", "orders-summary").Set(5)
	m.CompensationTotal.WithLabelValues("dead_letter").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.AppendTotal.WithLabelValues("orders", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConcurrencyConflicts.WithLabelValues("orders")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.ProjectorLagSeq.WithLabelValues("orders", "orders-summary")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CompensationTotal.WithLabelValues("dead_letter")))
}

func TestNewMetrics_PanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) }, "MustRegister must fail loudly on a reused registry")
}
