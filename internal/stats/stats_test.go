package stats

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Snapshot(t *testing.T) {
	c := New()

	c.RecordRequests(5)
	c.RecordBatchStarted()
	c.RecordBatchCompleted(3, 250*time.Millisecond)
	c.RecordBatchStarted()
	c.RecordBatchCompleted(5, 400*time.Millisecond)

	c.RecordTaskCompleted("mock")
	c.RecordTaskCompleted("real")
	c.RecordTaskCompleted("mock-fallback")
	c.RecordTasksFailed(2)

	snap := c.Snapshot()
	assert.Equal(t, int64(5), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.TotalBatches)
	assert.Equal(t, int64(3), snap.TotalCompleted)
	assert.Equal(t, int64(2), snap.TotalFailed)
	assert.Equal(t, 4.0, snap.AverageBatchSize)
	assert.Equal(t, int64(5), snap.LargestBatch)
	assert.Equal(t, int64(1), snap.MockResponses)
	assert.Equal(t, int64(1), snap.RealResponses)
	assert.Equal(t, int64(1), snap.FallbackResponses)
}

func TestCollector_ZeroBatchesAverage(t *testing.T) {
	c := New()
	assert.Equal(t, 0.0, c.Snapshot().AverageBatchSize)
}

func TestCollector_InFlight(t *testing.T) {
	c := New()

	c.RecordBatchStarted()
	c.RecordBatchStarted()
	assert.Equal(t, 2, c.InFlightBatches())

	c.RecordBatchCompleted(4, time.Second)
	assert.Equal(t, 1, c.InFlightBatches())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.promInFlight))
}

func TestCollector_LargestBatchConcurrent(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for size := 1; size <= 32; size++ {
		wg.Add(1)
		go func(size int) {
			defer wg.Done()
			c.RecordBatchStarted()
			c.RecordBatchCompleted(size, time.Millisecond)
		}(size)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(32), snap.LargestBatch)
	assert.Equal(t, int64(32), snap.TotalBatches)
	assert.Equal(t, 0, c.InFlightBatches())
}

func TestCollector_TerminalBound(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.RecordRequests(1)
			if i%2 == 0 {
				c.RecordTaskCompleted("mock")
			} else {
				c.RecordTasksFailed(1)
			}
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.LessOrEqual(t, snap.TotalCompleted+snap.TotalFailed, snap.TotalRequests)
	assert.Equal(t, snap.TotalRequests, snap.TotalCompleted+snap.TotalFailed)
}

func TestCollector_PrometheusCounters(t *testing.T) {
	c := New()

	c.RecordRequests(3)
	c.RecordTaskCompleted("real")
	c.RecordTasksFailed(1)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.promRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.promTasks.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.promTasks.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.promResponses.WithLabelValues("real")))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.RecordRequests(1)
	c.RegisterQueueDepth(func() float64 { return 7 })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "vllm_gateway_requests_total 1")
	assert.Contains(t, body, "vllm_gateway_queue_depth 7")
}

func TestCollector_IndependentRegistries(t *testing.T) {
	// Two collectors must not clash on registration.
	a := New()
	b := New()
	a.RecordRequests(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.promRequests))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.promRequests))

	// Both registries gather without duplicate-metric errors.
	_, err := a.registry.Gather()
	require.NoError(t, err)
	_, err = b.registry.Gather()
	require.NoError(t, err)

	var _ prometheus.Registerer = a.registry
}
