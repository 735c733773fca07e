// Package metrics exposes Prometheus instruments for the migration pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crm_migrations"

var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05,
	0.1, 0.5, 1, 5,
	10, 30, 60, 300, 900,
}

type metrics struct {
	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	rows            *prometheus.CounterVec
	idleReclaimed   prometheus.Counter
	duplicateClaims prometheus.Counter
	inProgress      prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		runsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Total number of migration runs claimed for processing, by entity type and admission lane.",
		}, []string{"entity_type", "lane"}),
		runsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Total number of migration runs that reached a terminal state.",
		}, []string{"entity_type", "status"}),
		runDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time of migration runs from claim to terminal state.",
			Buckets:   latencyBuckets,
		}, []string{"entity_type", "status"}),
		rows: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rows",
			Name:      "processed_total",
			Help:      "Total number of spreadsheet rows processed, by outcome.",
		}, []string{"entity_type", "outcome"}),
		idleReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "idle_reclaimed_total",
			Help:      "Total number of in-progress runs marked as error after missing heartbeats.",
		}),
		duplicateClaims: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "duplicate_claims_total",
			Help:      "Total number of run requests ignored because the migration was already claimed.",
		}),
		inProgress: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "in_progress",
			Help:      "Number of in-progress runs seen at the last admission check.",
		}),
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status class.",
		}, []string{"method", "result"}),
		httpLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "latency_seconds",
			Help:      "Latency distribution for HTTP requests.",
			Buckets:   latencyBuckets,
		}, []string{"method", "result"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStarted counts a claimed run. lane is "priority" or "batch".
func RecordRunStarted(entityType, lane string) {
	getMetrics().runsStarted.WithLabelValues(entityType, lane).Inc()
}

// RecordRunFinished counts a run reaching status and observes its duration.
func RecordRunFinished(entityType, status string, elapsed time.Duration) {
	m := getMetrics()
	m.runsFinished.WithLabelValues(entityType, status).Inc()
	m.runDuration.WithLabelValues(entityType, status).Observe(elapsed.Seconds())
}

// RecordRows adds processed and failed row counts.
func RecordRows(entityType string, processed, failed int) {
	m := getMetrics()
	if processed > 0 {
		m.rows.WithLabelValues(entityType, "success").Add(float64(processed))
	}
	if failed > 0 {
		m.rows.WithLabelValues(entityType, "error").Add(float64(failed))
	}
}

// RecordIdleReclaimed adds n runs reclaimed by the idle sweep.
func RecordIdleReclaimed(n int) {
	if n > 0 {
		getMetrics().idleReclaimed.Add(float64(n))
	}
}

// RecordDuplicateClaim counts an ignored redelivery.
func RecordDuplicateClaim() {
	getMetrics().duplicateClaims.Inc()
}

// SetInProgress records the in-progress count from the last admission check.
func SetInProgress(n int) {
	getMetrics().inProgress.Set(float64(n))
}

// RecordHTTPRequest counts a served request.
func RecordHTTPRequest(method string, status int, elapsed time.Duration) {
	result := statusClass(status)
	m := getMetrics()
	m.httpRequests.WithLabelValues(method, result).Inc()
	m.httpLatency.WithLabelValues(method, result).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	}
	return strconv.Itoa(status)
}
