// Package metrics exposes pipeline counters on a dedicated Prometheus
// registry, served at /metrics by the serve command.
package metrics

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ehr2crm"

// Recorder holds the pipeline instruments. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry    *prometheus.Registry
	extracted   *prometheus.CounterVec
	loaded      *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	lastSuccess prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		extracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extracted_records_total",
			Help:      "Rows flattened from the EHR, by resource.",
		}, []string{"resource"}),
		loaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loaded_records_total",
			Help:      "CRM create attempts, by object and outcome.",
		}, []string{"object", "outcome"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_records_total",
			Help:      "Records dropped before load for missing references or failed validation.",
		}, []string{"object"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed pipeline runs, by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
	}
	r.registry.MustRegister(
		r.extracted, r.loaded, r.skipped, r.runs, r.runDuration, r.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Extracted(resource string, n int) {
	if r == nil {
		return
	}
	r.extracted.WithLabelValues(resource).Add(float64(n))
}

func (r *Recorder) Loaded(object string, succeeded, failed int) {
	if r == nil {
		return
	}
	r.loaded.WithLabelValues(object, "success").Add(float64(succeeded))
	r.loaded.WithLabelValues(object, "failure").Add(float64(failed))
}

func (r *Recorder) Skipped(object string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.skipped.WithLabelValues(object).Add(float64(n))
}

func (r *Recorder) RunFinished(status string, started, finished time.Time) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(status).Inc()
	r.runDuration.Observe(finished.Sub(started).Seconds())
	if status == "succeeded" {
		r.lastSuccess.Set(float64(finished.Unix()))
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) EchoHandler() echo.HandlerFunc {
	return echo.WrapHandler(r.Handler())
}
