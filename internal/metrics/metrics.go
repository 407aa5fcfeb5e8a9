package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives reconciliation telemetry. Implementations must never block
// the reconciliation path; recording is fire-and-forget.
type Sink interface {
	RecordRun(table string, success bool, duration time.Duration)
	RecordDiscrepancy(table string, kind string)
	RecordPoolStats(active, idle int, waits, timeouts int64)
}

// Nop discards everything. Default when no sink is configured.
type Nop struct{}

func (Nop) RecordRun(string, bool, time.Duration)  {}
func (Nop) RecordDiscrepancy(string, string)       {}
func (Nop) RecordPoolStats(int, int, int64, int64) {}

// Prometheus exports the sink as prometheus collectors.
type Prometheus struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	discrepancies *prometheus.CounterVec
	poolActive    prometheus.Gauge
	poolIdle      prometheus.Gauge
	poolWaits     prometheus.Gauge
	poolTimeouts  prometheus.Gauge
}

// NewPrometheus registers the collectors on reg and returns the sink.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbrecon_runs_total",
			Help: "Per-table reconciliation runs by outcome.",
		}, []string{"table", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbrecon_run_duration_seconds",
			Help:    "Per-table reconciliation duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"table"}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbrecon_discrepancies_total",
			Help: "Detected discrepancies by kind.",
		}, []string{"table", "kind"}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbrecon_pool_active_connections",
			Help: "Connections currently leased.",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbrecon_pool_idle_connections",
			Help: "Connections currently idle.",
		}),
		poolWaits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbrecon_pool_waits_total",
			Help: "Acquire calls that had to wait.",
		}),
		poolTimeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbrecon_pool_timeouts_total",
			Help: "Acquire calls that timed out.",
		}),
	}
	reg.MustRegister(p.runs, p.runDuration, p.discrepancies,
		p.poolActive, p.poolIdle, p.poolWaits, p.poolTimeouts)
	return p
}

func (p *Prometheus) RecordRun(table string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.runs.WithLabelValues(table, outcome).Inc()
	p.runDuration.WithLabelValues(table).Observe(duration.Seconds())
}

func (p *Prometheus) RecordDiscrepancy(table string, kind string) {
	p.discrepancies.WithLabelValues(table, kind).Inc()
}

func (p *Prometheus) RecordPoolStats(active, idle int, waits, timeouts int64) {
	p.poolActive.Set(float64(active))
	p.poolIdle.Set(float64(idle))
	p.poolWaits.Set(float64(waits))
	p.poolTimeouts.Set(float64(timeouts))
}
