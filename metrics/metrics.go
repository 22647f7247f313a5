package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine's prometheus metrics. One collector per process;
// tests pass their own registry to avoid duplicate registration.
type Collector struct {
	txStarted       prometheus.Counter
	txCompleted     *prometheus.CounterVec
	eventsDequeued  prometheus.Counter
	dispatchErrors  prometheus.Counter
	stepLatency     prometheus.Histogram
	webhookOutcomes *prometheus.CounterVec
	archived        prometheus.Counter
	sleepersWoken   prometheus.Counter
	sleeping        prometheus.Gauge
	processing      prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		txStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtx_transactions_started_total",
			Help: "Total number of transactions started",
		}),
		txCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtx_transactions_completed_total",
			Help: "Total number of transactions completed, by terminal status",
		}, []string{"status"}),
		eventsDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtx_events_dequeued_total",
			Help: "Total number of events dequeued by workers",
		}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtx_dispatch_errors_total",
			Help: "Total number of event dispatches that failed",
		}),
		stepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowtx_step_latency_seconds",
			Help:    "Step execution latency from dequeue to callback",
			Buckets: prometheus.DefBuckets,
		}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowtx_webhook_deliveries_total",
			Help: "Total webhook delivery attempts, by outcome",
		}, []string{"outcome"}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtx_transactions_archived_total",
			Help: "Total number of transactions moved to durable storage",
		}),
		sleepersWoken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtx_sleepers_woken_total",
			Help: "Total number of sleeping transactions promoted back to their queue",
		}),
		sleeping: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowtx_transactions_sleeping",
			Help: "Current number of sleeping transactions",
		}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowtx_transactions_processing",
			Help: "Current number of claimed in-flight transactions",
		}),
	}
	reg.MustRegister(c.txStarted, c.txCompleted, c.eventsDequeued, c.dispatchErrors,
		c.stepLatency, c.webhookOutcomes, c.archived, c.sleepersWoken,
		c.sleeping, c.processing)
	return c
}

func (c *Collector) RecordTransactionStarted() {
	c.txStarted.Inc()
}

func (c *Collector) RecordTransactionCompleted(status string) {
	c.txCompleted.WithLabelValues(status).Inc()
}

func (c *Collector) RecordDequeued(count int) {
	c.eventsDequeued.Add(float64(count))
}

func (c *Collector) RecordDispatchError() {
	c.dispatchErrors.Inc()
}

func (c *Collector) ObserveStepLatency(seconds float64) {
	c.stepLatency.Observe(seconds)
}

func (c *Collector) RecordWebhookOutcome(outcome string) {
	c.webhookOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordArchived(count int) {
	c.archived.Add(float64(count))
}

func (c *Collector) RecordWoken(count int) {
	c.sleepersWoken.Add(float64(count))
}

func (c *Collector) SetQueueStats(sleeping, processing int) {
	c.sleeping.Set(float64(sleeping))
	c.processing.Set(float64(processing))
}
