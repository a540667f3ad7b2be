// Package metrics exposes pipeline measurements to Prometheus.
//
// Metrics:
//   - prior_auth_pipeline_runs_total: pipeline runs by outcome and error kind
//   - prior_auth_oracle_answers_total: leaf answers by tri-state value
//   - prior_auth_stage_duration_seconds: time spent in each pipeline stage
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prior-auth-server/internal/domain"
)

const namespace = "prior_auth"

// Metrics implements the service recorder on a Prometheus registry
type Metrics struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	answersTotal  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with registry
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Total number of pre-authorization pipeline runs",
			},
			[]string{"outcome", "error_kind"},
		),

		answersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "answers_total",
				Help:      "Total number of leaf criterion answers",
			},
			[]string{"answer"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				// Stages wait on the language model, so most take seconds
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"stage"},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.answersTotal,
		m.stageDuration,
	)

	return m
}

// ObserveStage records how long a pipeline stage took
func (m *Metrics) ObserveStage(stage domain.Stage, d time.Duration) {
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// ObserveAnswer counts a leaf answer
func (m *Metrics) ObserveAnswer(answer domain.TriState) {
	m.answersTotal.WithLabelValues(answer.String()).Inc()
}

// ObserveRun counts a finished pipeline run. Failed runs are labelled with
// the pipeline error kind, or "internal" for other errors.
func (m *Metrics) ObserveRun(outcome domain.Outcome, err error) {
	outcomeLabel := string(outcome)
	kind := ""
	if err != nil {
		outcomeLabel = "FAILED"
		kind = "internal"
		if pe, ok := domain.AsPipelineError(err); ok {
			kind = string(pe.Kind)
		}
	}
	m.runsTotal.WithLabelValues(outcomeLabel, kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
