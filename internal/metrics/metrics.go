// Package metrics holds the prometheus collectors for pipeline runs and
// collaborator calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Runs              *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	PostsIngested     prometheus.Counter
	PostsRejected     prometheus.Counter
	Trends            *prometheus.CounterVec
	ClusterFailures   prometheus.Counter
	CollaboratorCalls *prometheus.CounterVec
	BreakerOpen       *prometheus.GaugeVec
	AlertsSent        *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendpulse_pipeline_runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trendpulse_pipeline_run_duration_seconds",
			Help:    "Wall time of a pipeline run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		PostsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trendpulse_posts_ingested_total",
			Help: "Posts persisted by the pipeline, including re-ingested ones.",
		}),
		PostsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trendpulse_posts_rejected_total",
			Help: "Posts that failed validation or could not be stored.",
		}),
		Trends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendpulse_trends_resolved_total",
			Help: "Trend resolutions by action (created, merged).",
		}, []string{"action"}),
		ClusterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trendpulse_cluster_failures_total",
			Help: "Clusters skipped because naming or resolution failed.",
		}),
		CollaboratorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendpulse_collaborator_calls_total",
			Help: "Calls to external collaborators by name and outcome.",
		}, []string{"collaborator", "outcome"}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trendpulse_circuit_breaker_open",
			Help: "1 while the collaborator's circuit breaker is open.",
		}, []string{"collaborator"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trendpulse_alerts_total",
			Help: "Trend alerts by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Runs, m.RunDuration, m.PostsIngested, m.PostsRejected, m.Trends,
		m.ClusterFailures, m.CollaboratorCalls, m.BreakerOpen, m.AlertsSent,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) AddIngested(n, rejected int) {
	if m == nil {
		return
	}
	m.PostsIngested.Add(float64(n))
	m.PostsRejected.Add(float64(rejected))
}

func (m *Metrics) TrendResolved(created bool) {
	if m == nil {
		return
	}
	action := "merged"
	if created {
		action = "created"
	}
	m.Trends.WithLabelValues(action).Inc()
}

func (m *Metrics) ClusterFailed() {
	if m == nil {
		return
	}
	m.ClusterFailures.Inc()
}

// CallResult matches resilience.Config.OnResult.
func (m *Metrics) CallResult(name string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.CollaboratorCalls.WithLabelValues(name, outcome).Inc()
}

// BreakerState matches resilience.Config.OnStateChange.
func (m *Metrics) BreakerState(name string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(name).Set(v)
}

func (m *Metrics) AlertResult(err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.AlertsSent.WithLabelValues(outcome).Inc()
}
