// Package metrics exposes pipeline and job counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	PipelineRuns     *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	JobAttempts      *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobRetries       *prometheus.CounterVec
	RunningJobs      *prometheus.GaugeVec
	ArtifactBytes    *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	Pruned           *prometheus.CounterVec
	WebhookRequests  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_pipeline_runs_total",
			Help: "Pipeline runs by final status.",
		}, []string{"project", "status"}),
		PipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_pipeline_duration_seconds",
			Help:    "Wall time from pipeline start to its final status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"project"}),
		JobAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_job_attempts_total",
			Help: "Job attempts by outcome and failure reason.",
		}, []string{"project", "agent", "status", "reason"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_job_duration_seconds",
			Help:    "Duration of job attempts.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"project", "agent"}),
		JobRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_job_retries_total",
			Help: "Attempts re-dispatched by retry policy.",
		}, []string{"project", "reason"}),
		RunningJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_running_jobs",
			Help: "Jobs currently executing per agent.",
		}, []string{"agent"}),
		ArtifactBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_artifact_bytes_total",
			Help: "Compressed artifact bytes written.",
		}, []string{"project"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_cache_lookups_total",
			Help: "Cache pulls by result (hit, fallback, miss, error).",
		}, []string{"project", "result"}),
		Pruned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_housekeeping_pruned_total",
			Help: "Items removed by housekeeping.",
		}, []string{"kind"}),
		WebhookRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_webhook_requests_total",
			Help: "Webhook deliveries by endpoint and HTTP status.",
		}, []string{"endpoint", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObservePipeline records a finished run.
func (m *Metrics) ObservePipeline(project, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(project, status).Inc()
	m.PipelineDuration.WithLabelValues(project).Observe(d.Seconds())
}

// ObserveAttempt records a finished job attempt.
func (m *Metrics) ObserveAttempt(project, agent, status, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobAttempts.WithLabelValues(project, agent, status, reason).Inc()
	m.JobDuration.WithLabelValues(project, agent).Observe(d.Seconds())
}

// ObserveRetry counts a retried attempt.
func (m *Metrics) ObserveRetry(project, reason string) {
	if m == nil {
		return
	}
	m.JobRetries.WithLabelValues(project, reason).Inc()
}

// JobStarted and JobFinished track the running gauge.
func (m *Metrics) JobStarted(agent string) {
	if m == nil {
		return
	}
	m.RunningJobs.WithLabelValues(agent).Inc()
}

func (m *Metrics) JobFinished(agent string) {
	if m == nil {
		return
	}
	m.RunningJobs.WithLabelValues(agent).Dec()
}

// ObserveArtifact adds written archive bytes.
func (m *Metrics) ObserveArtifact(project string, bytes int64) {
	if m == nil {
		return
	}
	m.ArtifactBytes.WithLabelValues(project).Add(float64(bytes))
}

// ObserveCache counts one cache pull.
func (m *Metrics) ObserveCache(project, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(project, result).Inc()
}

// ObservePruned adds n removed items of kind.
func (m *Metrics) ObservePruned(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Pruned.WithLabelValues(kind).Add(float64(n))
}

// ObserveWebhook counts one delivery.
func (m *Metrics) ObserveWebhook(endpoint, code string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(endpoint, code).Inc()
}
