// Package telemetry builds the coordinator's logger, tracer, and metrics
// registry.
//
// Logging follows examples/go/angzarr/server.go's zap.NewProduction()
// pattern; tracing and metrics are the OTel/Prometheus stack donated by
// LerianStudio-midaz and cuemby-warren respectively. No span exporter is
// wired: spans are recorded in-process and never shipped anywhere, per the
// backend-is-external Non-goal.
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// NewLogger builds the process-wide logger. ANGZARR_ENV=development selects
// a human-readable development logger; anything else (including unset)
// selects the production JSON logger.
func NewLogger() (*zap.Logger, error) {
	if os.Getenv("ANGZARR_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// NewTracerProvider returns an SDK TracerProvider with no exporter
// attached: every span is recorded in-process (for tests and for any
// zero-dependency deployment) but never shipped anywhere. No environment
// variable (OTEL_EXPORTER_OTLP_ENDPOINT included) is read.
func NewTracerProvider() *trace.TracerProvider {
	return trace.NewTracerProvider()
}

// Tracer is the coordinator's shared tracer name.
const Tracer = "github.com/angzarr-io/angzarr"

// StartSpan starts a span named for one of the algorithm steps named in the
// aggregate/saga/process-manager/projector coordinator designs (e.g.
// "aggregate.load", "aggregate.invoke", "aggregate.append",
// "aggregate.publish", "aggregate.cascade").
func StartSpan(ctx context.Context, tp oteltrace.TracerProvider, name string) (context.Context, oteltrace.Span) {
	return tp.Tracer(Tracer).Start(ctx, name)
}

// Metrics holds the coordinator's Prometheus collectors. Registered once
// per coordinator process and passed down by reference.
type Metrics struct {
	AppendTotal             *prometheus.CounterVec
	ConcurrencyConflicts    *prometheus.CounterVec
	CascadeDepth            prometheus.Histogram
	ProjectorLagSeq         *prometheus.GaugeVec
	CompensationTotal       *prometheus.CounterVec
}

// NewMetrics constructs and registers the coordinator's metric collectors
// against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AppendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "angzarr_append_total",
			Help: "Total event appends, labeled by domain and outcome.",
		}, []string{"domain", "outcome"}),
		ConcurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "angzarr_concurrency_conflicts_total",
			Help: "Total optimistic-concurrency conflicts encountered on append, by domain.",
		}, []string{"domain"}),
		CascadeDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "angzarr_cascade_depth",
			Help:    "Depth reached by SYNC_MODE_CASCADE chains.",
			Buckets: prometheus.LinearBuckets(0, 2, 17), // covers default max_cascade_depth=32
		}),
		ProjectorLagSeq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "angzarr_projector_lag_seq",
			Help: "Difference between an aggregate's tail sequence and a projector's last-processed sequence.",
		}, []string{"domain", "projector"}),
		CompensationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "angzarr_compensation_total",
			Help: "Total notifications handled by the compensation channel, labeled by action.",
		}, []string{"action"}),
	}
	reg.MustRegister(m.AppendTotal, m.ConcurrencyConflicts, m.CascadeDepth, m.ProjectorLagSeq, m.CompensationTotal)
	return m
}
