package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ecmigrate/internal/remote"
)

// Collector collects and exposes migration metrics
type Collector struct {
	itemsTotal      *prometheus.CounterVec
	phasesTotal     *prometheus.CounterVec
	queueReady      prometheus.Gauge
	inflightWorkers prometheus.Gauge
	remoteDuration  *prometheus.HistogramVec
	registry        *prometheus.Registry
}

// New creates a metrics collector registered on its own registry so
// repeated construction in tests does not panic.
func New() *Collector {
	c := &Collector{
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_items_total",
				Help: "Total number of work items processed",
			},
			[]string{"status"},
		),
		phasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_phases_total",
				Help: "Phase completions by outcome",
			},
			[]string{"phase", "status"},
		),
		queueReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_queue_ready",
				Help: "Number of READY items in the document queue",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_inflight_workers",
				Help: "Number of workers currently processing",
			},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "migrate_remote_call_duration_seconds",
				Help:    "Time taken by one remote repository call attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"class", "op", "outcome"},
		),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(c.itemsTotal)
	registry.MustRegister(c.phasesTotal)
	registry.MustRegister(c.queueReady)
	registry.MustRegister(c.inflightWorkers)
	registry.MustRegister(c.remoteDuration)
	c.registry = registry

	return c
}

// IncItem counts one item entering the given final status
func (c *Collector) IncItem(status string) {
	c.itemsTotal.WithLabelValues(status).Inc()
}

// IncPhase counts a phase outcome
func (c *Collector) IncPhase(phase, status string) {
	c.phasesTotal.WithLabelValues(phase, status).Inc()
}

// SetQueueReady sets the ready-queue depth gauge
func (c *Collector) SetQueueReady(n int64) {
	c.queueReady.Set(float64(n))
}

// SetInflightWorkers sets the number of inflight workers
func (c *Collector) SetInflightWorkers(count int) {
	c.inflightWorkers.Set(float64(count))
}

// ObserveRemoteCall implements remote.CallObserver
func (c *Collector) ObserveRemoteCall(class remote.OpClass, op string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	c.remoteDuration.WithLabelValues(string(class), op, outcome).Observe(d.Seconds())
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}

var _ remote.CallObserver = (*Collector)(nil)
