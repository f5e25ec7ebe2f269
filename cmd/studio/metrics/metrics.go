// Package metrics exposes pipeline and session metrics for Prometheus.
//
// Metrics exposed:
//   - foresight_stage_duration_seconds: Histogram of successful stage runs, by stage
//   - foresight_fold_fit_seconds: Histogram of one cross-validation fold (fit + predict)
//   - foresight_tuning_candidates_total: Counter of tuning candidates, by outcome
//   - foresight_active_sessions: Gauge of sessions held in memory
//   - foresight_exports_total: Counter of forecasts published to storage
//   - foresight_errors_total: Counter of stage failures, by stage and reason
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/foresight/pkg/pipeline"
)

// Metrics holds the studio collectors. It implements pipeline.Recorder.
type Metrics struct {
	StageSeconds    *prometheus.HistogramVec
	FoldFitSeconds  prometheus.Histogram
	CandidatesTotal *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	ExportsTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
}

var _ pipeline.Recorder = (*Metrics)(nil)

// New creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "foresight_stage_duration_seconds",
			Help:    "Time spent in successful pipeline stages",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"stage"}),

		FoldFitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "foresight_fold_fit_seconds",
			Help:    "Time spent fitting and predicting one cross-validation fold",
			Buckets: prometheus.DefBuckets,
		}),

		CandidatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foresight_tuning_candidates_total",
			Help: "Tuning candidates evaluated, by outcome",
		}, []string{"outcome"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "foresight_active_sessions",
			Help: "Sessions currently held in memory",
		}),

		ExportsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "foresight_exports_total",
			Help: "Forecast exports published to storage",
		}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foresight_errors_total",
			Help: "Pipeline stage failures by stage and reason",
		}, []string{"stage", "reason"}),
	}
}

// ObserveStage records the duration of a successful stage.
func (m *Metrics) ObserveStage(stage pipeline.Stage, d time.Duration) {
	m.StageSeconds.WithLabelValues(stage.String()).Observe(d.Seconds())
}

// ObserveFold records the duration of one fold.
func (m *Metrics) ObserveFold(d time.Duration) {
	m.FoldFitSeconds.Observe(d.Seconds())
}

// RecordCandidate counts one tuning candidate.
func (m *Metrics) RecordCandidate(outcome string) {
	m.CandidatesTotal.WithLabelValues(outcome).Inc()
}

// RecordError counts one stage failure.
func (m *Metrics) RecordError(stage pipeline.Stage, reason string) {
	m.ErrorsTotal.WithLabelValues(stage.String(), reason).Inc()
}

// RecordExport counts one published export.
func (m *Metrics) RecordExport() {
	m.ExportsTotal.Inc()
}

// SetActiveSessions sets the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}
