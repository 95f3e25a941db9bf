package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/proxy-suite/internal/progress"
	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.Registry())
	assert.NotNil(t, collector.batchesStarted)
	assert.NotNil(t, collector.taskDuration)
	assert.NotNil(t, collector.candidates)
	assert.NotNil(t, collector.recoveryTime)
}

func TestNilRegistryGetsRuntimeCollectors(t *testing.T) {
	collector := NewCollector(nil)
	families, err := collector.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"], "go runtime metrics should be registered")
}

func TestObserverLifecycle(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	// Simulate a batch of three tasks with one failure
	collector.BatchStarted("check:STANDARD", 3)
	collector.TaskFinished("check:STANDARD", 100*time.Millisecond, nil)
	collector.TaskFinished("check:STANDARD", 200*time.Millisecond, errors.New("timeout"))
	collector.TaskFinished("check:STANDARD", 300*time.Millisecond, nil)
	collector.BatchFinished(worker.Outcome{Label: "check:STANDARD", Completed: 3, Total: 3, Errors: 1, Duration: 2 * time.Second})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesStarted.WithLabelValues("check:STANDARD")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.tasksCompleted.WithLabelValues("check:STANDARD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksFailed.WithLabelValues("check:STANDARD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesFinished.WithLabelValues("check:STANDARD", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.lastBatch))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.taskDuration))
}

func TestCancelledBatch(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.BatchStarted("scrape", 10)
	collector.SetProgress(progress.Progress{CompletedCount: 5, TotalCount: 10, Percentage: 50, ItemsPerSecond: 2.5, EstimatedSecondsRemaining: 2})
	assert.Equal(t, 0.5, testutil.ToFloat64(collector.progressRatio))

	collector.BatchFinished(worker.Outcome{Label: "scrape", Cancelled: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesFinished.WithLabelValues("scrape", "cancelled")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.progressRatio))
	assert.Equal(t, -1.0, testutil.ToFloat64(collector.eta))
}

func TestSetSummary(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.SetSummary(types.Summary{
		Unique:         10,
		ByProtocol:     map[types.Protocol]int{types.ProtocolHTTP: 6, types.ProtocolSOCKS5: 4},
		Valid:          4,
		Invalid:        5,
		Elite:          2,
		TopScore:       93,
		AverageLatency: 412.5,
	})

	assert.Equal(t, 4.0, testutil.ToFloat64(collector.candidates.WithLabelValues("VALID")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.candidates.WithLabelValues("INVALID")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.candidates.WithLabelValues("UNTESTED")))
	assert.Equal(t, 6.0, testutil.ToFloat64(collector.byProtocol.WithLabelValues("HTTP")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.byProtocol.WithLabelValues("SOCKS4")))
	assert.Equal(t, 93.0, testutil.ToFloat64(collector.topScore))
	assert.Equal(t, 412.5, testutil.ToFloat64(collector.averageLatency))
}

func TestSetRecoveryTime(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	for _, rt := range []float64{0.001, 0.5, 1.5, 3.0} {
		collector.SetRecoveryTime(rt)
		assert.Equal(t, rt, testutil.ToFloat64(collector.recoveryTime))
	}
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	// A second collector on the same registry collides
	assert.Panics(t, func() {
		NewCollector(reg)
	})

	// Separate registries are independent
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.TaskFinished("scrape", 10*time.Millisecond, nil)
			collector.SetProgress(progress.Progress{CompletedCount: 1, TotalCount: 2, Percentage: 50})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.tasksCompleted.WithLabelValues("scrape")))
}

func TestHandler(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	collector.BatchStarted("scrape", 1)

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `proxysuite_batches_started_total{batch="scrape"} 1`))
}
