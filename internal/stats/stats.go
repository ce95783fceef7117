// Package stats maintains the gateway's monotonic throughput counters and
// mirrors them as Prometheus collectors.
package stats

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vllm_gateway"

// Snapshot is the read-only view served by GET /stats. average_batch_size is
// the arithmetic mean over completed batches.
type Snapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalBatches      int64   `json:"total_batches"`
	TotalCompleted    int64   `json:"total_completed"`
	TotalFailed       int64   `json:"total_failed"`
	AverageBatchSize  float64 `json:"average_batch_size"`
	LargestBatch      int64   `json:"largest_batch"`
	MockResponses     int64   `json:"mock_responses"`
	RealResponses     int64   `json:"real_responses"`
	FallbackResponses int64   `json:"fallback_responses"`
}

// Collector tracks scheduler throughput. All counters are atomic and only
// ever increase; derived values are computed at snapshot time.
type Collector struct {
	totalRequests     atomic.Int64
	totalBatches      atomic.Int64
	totalCompleted    atomic.Int64
	totalFailed       atomic.Int64
	mockResponses     atomic.Int64
	realResponses     atomic.Int64
	fallbackResponses atomic.Int64
	batchSizeSum      atomic.Int64
	largestBatch      atomic.Int64
	inFlightBatches   atomic.Int64

	registry *prometheus.Registry

	promRequests      prometheus.Counter
	promBatches       prometheus.Counter
	promTasks         *prometheus.CounterVec
	promResponses     *prometheus.CounterVec
	promBatchSize     prometheus.Histogram
	promBatchDuration prometheus.Histogram
	promInFlight      prometheus.Gauge
}

// New creates a collector with its own Prometheus registry, so multiple
// instances can coexist in tests.
func New() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		promRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of tasks accepted for scheduling",
		}),
		promBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of batches dispatched to completion",
		}),
		promTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of tasks reaching a terminal state",
		}, []string{"status"}),
		promResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Total number of generated responses by source",
		}, []string{"source"}),
		promBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Distribution of completed batch sizes",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		promBatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "End-to-end batch processing duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		promInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_in_flight",
			Help:      "Number of batches currently being dispatched",
		}),
	}
}

// RecordRequests counts tasks accepted into the queue. Rejected submissions
// are never counted, which keeps total_completed + total_failed bounded by
// total_requests.
func (c *Collector) RecordRequests(n int) {
	c.totalRequests.Add(int64(n))
	c.promRequests.Add(float64(n))
}

// RecordBatchStarted marks a batch as in flight.
func (c *Collector) RecordBatchStarted() {
	c.inFlightBatches.Add(1)
	c.promInFlight.Inc()
}

// RecordBatchCompleted settles a dispatched batch of the given size.
func (c *Collector) RecordBatchCompleted(size int, duration time.Duration) {
	c.totalBatches.Add(1)
	c.batchSizeSum.Add(int64(size))
	c.inFlightBatches.Add(-1)

	for {
		cur := c.largestBatch.Load()
		if int64(size) <= cur || c.largestBatch.CompareAndSwap(cur, int64(size)) {
			break
		}
	}

	c.promBatches.Inc()
	c.promBatchSize.Observe(float64(size))
	c.promBatchDuration.Observe(duration.Seconds())
	c.promInFlight.Dec()
}

// RecordTaskCompleted counts one task reaching completed, attributed to the
// response source ("real", "mock", or "mock-fallback").
func (c *Collector) RecordTaskCompleted(source string) {
	c.totalCompleted.Add(1)
	c.promTasks.WithLabelValues("completed").Inc()

	switch source {
	case "real":
		c.realResponses.Add(1)
	case "mock-fallback":
		c.fallbackResponses.Add(1)
	default:
		c.mockResponses.Add(1)
	}
	c.promResponses.WithLabelValues(source).Inc()
}

// RecordTasksFailed counts tasks reaching failed. Shutdown marks queued
// tasks failed in bulk, hence the count parameter.
func (c *Collector) RecordTasksFailed(n int) {
	c.totalFailed.Add(int64(n))
	c.promTasks.WithLabelValues("failed").Add(float64(n))
}

// InFlightBatches returns the number of batches currently dispatched.
func (c *Collector) InFlightBatches() int {
	return int(c.inFlightBatches.Load())
}

// Snapshot returns a consistent-enough view of the counters for reporting.
func (c *Collector) Snapshot() Snapshot {
	batches := c.totalBatches.Load()
	sizeSum := c.batchSizeSum.Load()

	var average float64
	if batches > 0 {
		average = float64(sizeSum) / float64(batches)
	}

	return Snapshot{
		TotalRequests:     c.totalRequests.Load(),
		TotalBatches:      batches,
		TotalCompleted:    c.totalCompleted.Load(),
		TotalFailed:       c.totalFailed.Load(),
		AverageBatchSize:  average,
		LargestBatch:      c.largestBatch.Load(),
		MockResponses:     c.mockResponses.Load(),
		RealResponses:     c.realResponses.Load(),
		FallbackResponses: c.fallbackResponses.Load(),
	}
}

// RegisterQueueDepth exposes the queue depth as a gauge on the Prometheus
// registry. The callback must be safe for concurrent use.
func (c *Collector) RegisterQueueDepth(depth func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of tasks waiting in the priority queue",
	}, depth))
}

// Handler serves the Prometheus text exposition for this collector's
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
