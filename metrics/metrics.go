// Package metrics exports queue, breaker and rate limiter activity as
// Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/Keksclan/rawrqueue/breaker"
	"github.com/Keksclan/rawrqueue/events"
	"github.com/Keksclan/rawrqueue/queue"
	"github.com/Keksclan/rawrqueue/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rawrqueue"

// Collector owns the rawrqueue metrics registered on one registerer.
type Collector struct {
	reg prometheus.Registerer

	flushes    *prometheus.CounterVec
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	decisions  *prometheus.CounterVec
	breaker    prometheus.Gauge
}

// New registers the metrics on reg. It panics when they are already
// registered there, like promauto.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "flushes_total",
			Help:      "Number of flushed batches.",
		}, []string{"window"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Number of operations sent to the store in flushed batches.",
		}, []string{"window"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "flush_duration_seconds",
			Help:      "Time spent flushing one batch.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"window"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "errors_total",
			Help:      "Number of failed grouped store calls.",
		}, []string{"window", "op"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by policy and outcome.",
		}, []string{"policy", "outcome"}),
		breaker: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
	}
}

// Attach subscribes to e and returns a function that unsubscribes.
func (c *Collector) Attach(e *events.Emitter) (detach func()) {
	offBatch := e.OnBatchProcessed(func(b events.BatchProcessed) {
		w := string(b.Window)
		c.flushes.WithLabelValues(w).Inc()
		c.operations.WithLabelValues(w).Add(float64(b.OperationCount))
		c.duration.WithLabelValues(w).Observe(b.ProcessingTime.Seconds())
	})
	offErr := e.OnError(func(ev events.Error) {
		c.errors.WithLabelValues(string(ev.Window), string(ev.Op)).Inc()
	})
	return func() {
		offBatch()
		offErr()
	}
}

// ObserveDecision counts one rate limit decision. Its signature matches
// ratelimit.WithObserver.
func (c *Collector) ObserveDecision(p ratelimit.Policy, d ratelimit.Decision) {
	outcome := "rejected"
	switch {
	case d.FailedOpen:
		outcome = "failed_open"
	case d.Admitted:
		outcome = "admitted"
	}
	c.decisions.WithLabelValues(p.Name, outcome).Inc()
}

// ObserveBreaker records a breaker transition. Its signature matches
// breaker.Config.OnStateChange.
func (c *Collector) ObserveBreaker(_, to breaker.State) {
	c.breaker.Set(float64(to))
}

// TrackPending exports the buffered operation counts of q as gauges.
func (c *Collector) TrackPending(q *queue.Queue) {
	for _, w := range []string{string(events.WindowWrite), string(events.WindowRead)} {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "queue",
			Name:        "pending_operations",
			Help:        "Operations buffered and not yet flushed.",
			ConstLabels: prometheus.Labels{"window": w},
		}, func() float64 {
			s := q.Pending()
			if w == string(events.WindowRead) {
				return float64(s.Reads)
			}
			return float64(s.Writes)
		}))
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
