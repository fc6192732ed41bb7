package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	pruneDeletedTotal prometheus.Counter

	reapSweepsTotal   *prometheus.CounterVec
	reapDeletedTotal  prometheus.Counter
	reapSweepDuration prometheus.Histogram

	turnsTotal        *prometheus.CounterVec
	turnDuration      prometheus.Histogram
	turnRecoveryTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current persisted session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Transcript load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Transcript append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			pruneDeletedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_prune_deleted_total",
					Help: "Total transcript entries deleted by pruning.",
				},
			),
			reapSweepsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_reap_sweeps_total",
					Help: "Total reaper sweeps by status.",
				},
				[]string{"status"},
			),
			reapDeletedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_reap_deleted_total",
					Help: "Total sessions deleted by the inactivity reaper.",
				},
			),
			reapSweepDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_reap_sweep_duration_seconds",
					Help:    "Reaper sweep duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turns_total",
					Help: "Total conversation turns by status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Conversation turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnRecoveryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_recovery_total",
					Help: "Total turn recoveries by recovery path.",
				},
				[]string{"path"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.pruneDeletedTotal,
			m.reapSweepsTotal,
			m.reapDeletedTotal,
			m.reapSweepDuration,
			m.turnsTotal,
			m.turnDuration,
			m.turnRecoveryTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	m := getMetrics()
	m.sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	m := getMetrics()
	m.sessionSaveDuration.Observe(duration.Seconds())
}

func RecordPrune(deleted int) {
	m := getMetrics()
	m.pruneDeletedTotal.Add(float64(deleted))
}

func RecordReapSweep(deleted int, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.reapSweepsTotal.WithLabelValues(status).Inc()
	m.reapDeletedTotal.Add(float64(deleted))
	m.reapSweepDuration.Observe(duration.Seconds())
}

func RecordTurn(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnsTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordTurnRecovery(path string) {
	m := getMetrics()
	m.turnRecoveryTotal.WithLabelValues(path).Inc()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}
