// ============================================================================
// proxy-suite Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露批次、任務、集合與進度指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 批次與任務計數器 (Counter)，以 batch 標籤區分 scrape / check:<mode>：
//      - proxysuite_batches_started_total
//      - proxysuite_batches_finished_total{result="completed|cancelled"}
//      - proxysuite_tasks_completed_total
//      - proxysuite_tasks_failed_total
//
//   2. 性能指標 (Histogram)：
//      - proxysuite_task_duration_seconds: 單一任務處理時間分佈
//
//   3. 狀態指標 (Gauge)：
//      - proxysuite_candidates{status}: 集合中各狀態的候選數量
//      - proxysuite_candidates_by_protocol{protocol}
//      - proxysuite_candidates_elite / _top_score / _average_latency_ms
//      - proxysuite_progress_ratio / _items_per_second / _eta_seconds
//      - proxysuite_last_batch_duration_seconds
//      - proxysuite_recovery_time_seconds: 啟動時從快照恢復所花的時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成的檢測數
//   rate(proxysuite_tasks_completed_total{batch=~"check.*"}[1m])
//
//   # 95 分位任務時間
//   histogram_quantile(0.95, rate(proxysuite_task_duration_seconds_bucket[5m]))
//
//   # 任務錯誤率
//   rate(proxysuite_tasks_failed_total[5m]) / rate(proxysuite_tasks_completed_total[5m])
//
// HTTP 端點:
//   由 API 伺服器的 /metrics 暴露，或用 ListenAndServe 獨立開一個埠
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/proxy-suite/internal/progress"
	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

const namespace = "proxysuite"

// Collector Prometheus 指標收集器，同時實作 worker.Observer
type Collector struct {
	registry *prometheus.Registry

	// 批次與任務
	batchesStarted  *prometheus.CounterVec
	batchesFinished *prometheus.CounterVec
	tasksCompleted  *prometheus.CounterVec
	tasksFailed     *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	lastBatch       prometheus.Gauge

	// 集合
	candidates     *prometheus.GaugeVec
	byProtocol     *prometheus.GaugeVec
	elite          prometheus.Gauge
	topScore       prometheus.Gauge
	averageLatency prometheus.Gauge

	// 進度
	progressRatio prometheus.Gauge
	itemsPerSec   prometheus.Gauge
	eta           prometheus.Gauge

	recoveryTime prometheus.Gauge
}

var _ worker.Observer = (*Collector)(nil)

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 目標 registry；nil 時建立新的 registry 並附上 Go runtime 與 process 指標
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c := &Collector{
		registry: reg,
		batchesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_started_total",
			Help:      "Total number of batches started",
		}, []string{"batch"}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_finished_total",
			Help:      "Total number of batches that completed or were cancelled",
		}, []string{"batch", "result"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks that reached a terminal state",
		}, []string{"batch"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks whose executor returned an error",
		}, []string{"batch"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task processing time in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"batch"}),
		lastBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_duration_seconds",
			Help:      "Wall time of the most recently finished batch",
		}),
		candidates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates",
			Help:      "Candidates in the collection by status",
		}, []string{"status"}),
		byProtocol: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates_by_protocol",
			Help:      "Candidates in the collection by protocol",
		}, []string{"protocol"}),
		elite: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates_elite",
			Help:      "Valid candidates with elite anonymity",
		}),
		topScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates_top_score",
			Help:      "Highest quality score among valid candidates",
		}),
		averageLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates_average_latency_ms",
			Help:      "Average latency of valid candidates in milliseconds",
		}),
		progressRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_ratio",
			Help:      "Completed fraction of the live batch (0-1)",
		}),
		itemsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_items_per_second",
			Help:      "Observed task throughput of the live batch",
		}),
		eta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_eta_seconds",
			Help:      "Estimated seconds remaining, -1 when unknown",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore state from the snapshot at startup",
		}),
	}

	reg.MustRegister(
		c.batchesStarted, c.batchesFinished, c.tasksCompleted, c.tasksFailed, c.taskDuration, c.lastBatch,
		c.candidates, c.byProtocol, c.elite, c.topScore, c.averageLatency,
		c.progressRatio, c.itemsPerSec, c.eta, c.recoveryTime,
	)
	return c
}

// ============================================================================
// worker.Observer
// ============================================================================

// BatchStarted 記錄批次開始
func (c *Collector) BatchStarted(label string, total int) {
	c.batchesStarted.WithLabelValues(label).Inc()
	c.SetProgress(progress.Progress{TotalCount: total, EstimatedSecondsRemaining: progress.Unknown})
}

// TaskFinished 記錄任務完成（含失敗）
func (c *Collector) TaskFinished(label string, d time.Duration, err error) {
	c.tasksCompleted.WithLabelValues(label).Inc()
	if err != nil {
		c.tasksFailed.WithLabelValues(label).Inc()
	}
	c.taskDuration.WithLabelValues(label).Observe(d.Seconds())
}

// BatchFinished 記錄批次結束
func (c *Collector) BatchFinished(o worker.Outcome) {
	result := "completed"
	if o.Cancelled {
		result = "cancelled"
		c.SetProgress(progress.Progress{EstimatedSecondsRemaining: progress.Unknown})
	}
	c.batchesFinished.WithLabelValues(o.Label, result).Inc()
	c.lastBatch.Set(o.Duration.Seconds())
}

// ============================================================================
// 集合與進度
// ============================================================================

// SetSummary 以集合統計更新候選數量指標
func (c *Collector) SetSummary(s types.Summary) {
	c.candidates.WithLabelValues(string(types.StatusValid)).Set(float64(s.Valid))
	c.candidates.WithLabelValues(string(types.StatusInvalid)).Set(float64(s.Invalid))
	c.candidates.WithLabelValues(string(types.StatusUntested)).Set(float64(s.Unique - s.Valid - s.Invalid))
	for _, p := range types.Protocols {
		c.byProtocol.WithLabelValues(string(p)).Set(float64(s.ByProtocol[p]))
	}
	c.elite.Set(float64(s.Elite))
	c.topScore.Set(float64(s.TopScore))
	c.averageLatency.Set(s.AverageLatency)
}

// SetProgress 更新進度指標
func (c *Collector) SetProgress(p progress.Progress) {
	c.progressRatio.Set(p.Percentage / 100)
	c.itemsPerSec.Set(p.ItemsPerSecond)
	c.eta.Set(float64(p.EstimatedSecondsRemaining))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// Registry 底層 registry（測試與自訂 handler 用）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ListenAndServe 在獨立埠上提供 /metrics，ctx 取消時關閉
//
// 參數：
//   - ctx: 生命週期
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - error: 非正常關閉時的錯誤
func (c *Collector) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
