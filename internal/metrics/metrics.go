// Package metrics exports the Supervisor's statistics accumulators in
// Prometheus format. It is a stateless second reader of the same counters
// internal/supervisor already maintains, never a second writer.
package metrics

import (
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Source is the read-only view of Supervisor state the exporter polls.
// *supervisor.Supervisor does not satisfy it directly; a small adapter
// (cmd/procqueue's metricsSource) translates its GetQueueStats result.
type Source interface {
	GetQueueStats() QueueStats
}

// QueueStats mirrors the fields of supervisor.QueueStats that this exporter
// needs, without importing internal/supervisor — so internal/metrics stays
// a leaf package, wired from a small adapter at the call site (cmd/procqueue
// constructs one from a live *supervisor.Supervisor).
type QueueStats struct {
	Size           int
	Running        int
	Paused         bool
	TotalCompleted int64
	TotalFailed    int64
	TotalCancelled int64
	AvgWaitTimeMs  float64
	AvgRunTimeMs   float64
	UtilizationPct float64
}

// Exporter registers and serves the procsup_* metric family.
type Exporter struct {
	registry *prometheus.Registry

	// tasksTotal mirrors the Supervisor's lifetime outcome counters. It is
	// a GaugeVec rather than a CounterVec: the Supervisor's
	// statsAccumulator is the sole authoritative counter, and each
	// refresh sets the absolute current value rather than adding a delta,
	// which would double-count across scrapes.
	tasksTotal  *prometheus.GaugeVec
	queueSize   prometheus.Gauge
	running     prometheus.Gauge
	paused      prometheus.Gauge
	waitSeconds prometheus.Histogram
	runSeconds  prometheus.Histogram
	utilization prometheus.Gauge

	source Source
}

// New constructs an Exporter that, on every Collect/ServeHTTP, pulls a fresh
// snapshot from source and updates the gauges before Prometheus scrapes.
func New(source Source) *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		source:   source,
		tasksTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procsup_tasks_total",
			Help: "Total tasks reaching each terminal outcome.",
		}, []string{"outcome"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsup_queue_size",
			Help: "Current number of tasks waiting in the queue.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsup_running",
			Help: "Current number of running tasks.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsup_queue_paused",
			Help: "1 if the queue is currently paused, 0 otherwise.",
		}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procsup_wait_seconds",
			Help:    "Observed queue wait time, in seconds, sampled from the rolling window.",
			Buckets: prometheus.DefBuckets,
		}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procsup_run_seconds",
			Help:    "Observed task run time, in seconds, sampled from the rolling window.",
			Buckets: prometheus.DefBuckets,
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procsup_utilization_ratio",
			Help: "running / concurrency, as a ratio in [0,1].",
		}),
	}

	registry.MustRegister(
		e.tasksTotal,
		e.queueSize,
		e.running,
		e.paused,
		e.waitSeconds,
		e.runSeconds,
		e.utilization,
	)
	return e
}

// refresh pulls a fresh snapshot and updates every gauge. Counters for
// lifetime totals are re-derived as a single cumulative observation per
// outcome category, since the accumulator itself — not this exporter — owns
// the authoritative count.
func (e *Exporter) refresh() {
	qs := e.source.GetQueueStats()

	e.queueSize.Set(float64(qs.Size))
	e.running.Set(float64(qs.Running))
	if qs.Paused {
		e.paused.Set(1)
	} else {
		e.paused.Set(0)
	}
	e.utilization.Set(qs.UtilizationPct / 100)
	e.waitSeconds.Observe(qs.AvgWaitTimeMs / 1000)
	e.runSeconds.Observe(qs.AvgRunTimeMs / 1000)

	e.tasksTotal.WithLabelValues("exited").Set(float64(qs.TotalCompleted))
	e.tasksTotal.WithLabelValues("failed").Set(float64(qs.TotalFailed))
	e.tasksTotal.WithLabelValues("cancelled").Set(float64(qs.TotalCancelled))
}

// Handler returns an http.Handler suitable for mounting at GET /metrics.
func (e *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.refresh()
		promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// WriteText renders the current exposition directly to w, without going
// through an HTTP handler. The `queue metrics` CLI command does not use it;
// that command fetches GET /metrics from a running `queue serve`.
func (e *Exporter) WriteText(w io.Writer) error {
	e.refresh()
	mfs, err := e.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
