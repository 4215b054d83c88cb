// ============================================================================
// zbworker Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露 job worker 運行指標
//
// 指標分類（皆以 task_type 標籤區分 worker）:
//
//   1. 任務計數器 (Counter):
//      - zbworker_jobs_activated_total: 已啟用任務總數
//      - zbworker_jobs_completed_total: 已完成任務總數
//      - zbworker_jobs_failed_total: 回報失敗的任務總數
//      - zbworker_jobs_errored_total: 拋出業務錯誤的任務總數
//      - zbworker_jobs_forwarded_total: 轉交其他子系統的任務總數
//      - zbworker_jobs_cancelled_total: 因 handler 例外而取消流程的任務總數
//      - zbworker_activation_requests_total: 啟用請求次數（result 標籤: data/end/error）
//
//   2. 性能指標 (Histogram):
//      - zbworker_handler_duration_seconds: handler 處理時間分佈
//
//   3. 狀態指標 (Gauge):
//      - zbworker_active_jobs: 目前租用中的任務數
//      - zbworker_connection_state: 連線狀態（0 connecting, 1 ready, 2 error）
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(zbworker_jobs_completed_total[1m])
//
//   # 95 分位 handler 延遲
//   histogram_quantile(0.95, rate(zbworker_handler_duration_seconds_bucket[5m]))
//
//   # worker 飽和度
//   zbworker_active_jobs
//
// 使用方式:
//   nil *Collector 的所有方法皆為 no-op，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsActivated *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsErrored   *prometheus.CounterVec
	jobsForwarded *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	activations   *prometheus.CounterVec

	// 效能指標
	handlerLatency *prometheus.HistogramVec

	// 狀態指標
	activeJobs      *prometheus.GaugeVec
	connectionState *prometheus.GaugeVec
}

// NewCollector 創建指標收集器並註冊到 reg（nil 表示預設 registry）
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "zbworker", Name: name, Help: help}, labels)
	}

	c := &Collector{
		jobsActivated: counter("jobs_activated_total", "Total number of jobs activated", "task_type"),
		jobsCompleted: counter("jobs_completed_total", "Total number of jobs completed", "task_type"),
		jobsFailed:    counter("jobs_failed_total", "Total number of jobs reported as failed", "task_type"),
		jobsErrored:   counter("jobs_errored_total", "Total number of jobs that threw a business error", "task_type"),
		jobsForwarded: counter("jobs_forwarded_total", "Total number of jobs forwarded without a broker outcome", "task_type"),
		jobsCancelled: counter("jobs_cancelled_total", "Total number of process instances cancelled after a handler exception", "task_type"),
		activations:   counter("activation_requests_total", "Total number of activation streams by outcome", "task_type", "result"),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zbworker",
			Name:      "handler_duration_seconds",
			Help:      "Job handler latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_type"}),
		activeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zbworker",
			Name:      "active_jobs",
			Help:      "Current number of leased jobs not yet resolved",
		}, []string{"task_type"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zbworker",
			Name:      "connection_state",
			Help:      "Debounced connection state (0 connecting, 1 ready, 2 error)",
		}, []string{"name"}),
	}

	// 註冊所有指標；已註冊時沿用既有的 collector
	var err error
	for _, vec := range []**prometheus.CounterVec{
		&c.jobsActivated, &c.jobsCompleted, &c.jobsFailed, &c.jobsErrored,
		&c.jobsForwarded, &c.jobsCancelled, &c.activations,
	} {
		if *vec, err = register(reg, *vec); err != nil {
			return nil, err
		}
	}
	if c.handlerLatency, err = register(reg, c.handlerLatency); err != nil {
		return nil, err
	}
	if c.activeJobs, err = register(reg, c.activeJobs); err != nil {
		return nil, err
	}
	if c.connectionState, err = register(reg, c.connectionState); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, fmt.Errorf("register metric: %w", err)
	}
	return col, nil
}

// RecordActivated 記錄啟用的任務數
func (c *Collector) RecordActivated(taskType string, n int) {
	if c == nil {
		return
	}
	c.jobsActivated.WithLabelValues(taskType).Add(float64(n))
}

// RecordActivationRequest 記錄一次啟用串流的結果
func (c *Collector) RecordActivationRequest(taskType, result string) {
	if c == nil {
		return
	}
	c.activations.WithLabelValues(taskType, result).Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(taskType string) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(taskType).Inc()
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(taskType string) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(taskType).Inc()
}

// RecordErrored 記錄業務錯誤
func (c *Collector) RecordErrored(taskType string) {
	if c == nil {
		return
	}
	c.jobsErrored.WithLabelValues(taskType).Inc()
}

// RecordForwarded 記錄任務轉交
func (c *Collector) RecordForwarded(taskType string) {
	if c == nil {
		return
	}
	c.jobsForwarded.WithLabelValues(taskType).Inc()
}

// RecordCancelled 記錄流程取消
func (c *Collector) RecordCancelled(taskType string) {
	if c == nil {
		return
	}
	c.jobsCancelled.WithLabelValues(taskType).Inc()
}

// ObserveHandler 記錄 handler 執行時間
func (c *Collector) ObserveHandler(taskType string, seconds float64) {
	if c == nil {
		return
	}
	c.handlerLatency.WithLabelValues(taskType).Observe(seconds)
}

// SetActiveJobs 更新租用中任務數
func (c *Collector) SetActiveJobs(taskType string, n int) {
	if c == nil {
		return
	}
	c.activeJobs.WithLabelValues(taskType).Set(float64(n))
}

// SetConnectionState 更新連線狀態
func (c *Collector) SetConnectionState(name string, state int) {
	if c == nil {
		return
	}
	c.connectionState.WithLabelValues(name).Set(float64(state))
}

// Handler 回傳 /metrics HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源（nil 表示預設 registry）
//
// 返回值：
//   - *http.Server: 已啟動的伺服器，呼叫者負責 Shutdown
func StartServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go srv.ListenAndServe()
	return srv
}
