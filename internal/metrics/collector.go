// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/internal/pool"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

var (
	sizeBuckets      = prometheus.ExponentialBuckets(100, 10, 8)
	executionBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}
	stepBuckets      = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
	attemptBuckets   = []float64{1, 2, 3, 4, 6, 8, 11}
)

// Collector Prometheus 指标收集器，同时实现 workflow.MetricsRecorder
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	activeExecutions  prometheus.Gauge

	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	approvalTotal *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter

	dbConnections *prometheus.GaugeVec
	dbWaitTotal   *prometheus.GaugeVec

	factory   promauto.Factory
	namespace string
	logger    *zap.Logger
}

// NewCollector 创建指标收集器，reg 为空时注册到默认 Registry。
// 同一 Registerer 上重复创建同一 namespace 会 panic。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		factory:   promauto.With(reg),
		namespace: namespace,
		logger:    logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = c.counterVec("http_requests_total", "Total number of HTTP requests", "method", "path", "status")
	c.httpRequestDuration = c.histogramVec("http_request_duration_seconds", "HTTP request duration in seconds", prometheus.DefBuckets, "method", "path")
	c.httpRequestSize = c.histogramVec("http_request_size_bytes", "HTTP request size in bytes", sizeBuckets, "method", "path")
	c.httpResponseSize = c.histogramVec("http_response_size_bytes", "HTTP response size in bytes", sizeBuckets, "method", "path")

	c.executionsTotal = c.counterVec("workflow_executions_total", "Total number of finished workflow executions", "status")
	c.executionDuration = c.histogramVec("workflow_execution_duration_seconds", "Workflow execution duration in seconds", executionBuckets, "status")
	c.activeExecutions = c.factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workflow_active_executions",
		Help:      "Number of executions currently driven by this engine",
	})

	c.stepsTotal = c.counterVec("workflow_steps_total", "Total number of steps that reached a terminal status", "step_type", "status")
	c.stepDuration = c.histogramVec("workflow_step_duration_seconds", "Step duration in seconds across all attempts", stepBuckets, "step_type")
	c.stepAttempts = c.histogramVec("workflow_step_attempts", "Attempts used by a step before it finished", attemptBuckets, "step_type")
	c.stepRetries = c.counterVec("workflow_step_retries_total", "Total number of scheduled step retries", "step_type")
	c.approvalTotal = c.counterVec("workflow_approvals_total", "Total number of resolved approval gates", "outcome")

	c.eventsPublished = c.counterVec("workflow_events_published_total", "Total number of published workflow events", "event_type")
	c.eventsDropped = c.factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_events_dropped_total",
		Help:      "Events dropped because an external sink failed",
	})

	c.dbConnections = c.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections",
		Help:      "Database connections by state (open, idle, in_use)",
	}, []string{"database", "state"})
	c.dbWaitTotal = c.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connection_waits",
		Help:      "Cumulative number of connections waited for, as reported by database/sql",
	}, []string{"database"})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

func (c *Collector) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return c.factory.NewCounterVec(prometheus.CounterOpts{Namespace: c.namespace, Name: name, Help: help}, labels)
}

func (c *Collector) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return c.factory.NewHistogramVec(prometheus.HistogramOpts{Namespace: c.namespace, Name: name, Help: help, Buckets: buckets}, labels)
}

// RecordHTTPRequest 记录一次 HTTP 请求；path 应当已经归一化
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔀 workflow.MetricsRecorder
// =============================================================================

func (c *Collector) RecordExecution(status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStep attempts 为 0 的步骤（条件、并行等标记步骤）不计入尝试次数直方图
func (c *Collector) RecordStep(stepType, status string, attempts int, duration time.Duration) {
	c.stepsTotal.WithLabelValues(stepType, status).Inc()
	c.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
	if attempts > 0 {
		c.stepAttempts.WithLabelValues(stepType).Observe(float64(attempts))
	}
}

func (c *Collector) RecordStepRetry(stepType string) { c.stepRetries.WithLabelValues(stepType).Inc() }

func (c *Collector) RecordApproval(outcome string) { c.approvalTotal.WithLabelValues(outcome).Inc() }

func (c *Collector) SetActiveExecutions(n int) { c.activeExecutions.Set(float64(n)) }

func (c *Collector) RecordEvent(eventType string) { c.eventsPublished.WithLabelValues(eventType).Inc() }

func (c *Collector) RecordEventDropped() { c.eventsDropped.Inc() }

// =============================================================================
// 🗄️ 连接池与工作池
// =============================================================================

// RecordDBStats 记录 database/sql 连接池快照
func (c *Collector) RecordDBStats(database string, s sql.DBStats) {
	c.dbConnections.WithLabelValues(database, "open").Set(float64(s.OpenConnections))
	c.dbConnections.WithLabelValues(database, "idle").Set(float64(s.Idle))
	c.dbConnections.WithLabelValues(database, "in_use").Set(float64(s.InUse))
	c.dbWaitTotal.WithLabelValues(database).Set(float64(s.WaitCount))
}

// ObservePool 注册步骤工作池的采集函数，抓取时读取 stats
func (c *Collector) ObservePool(name string, stats func() pool.Stats) {
	labels := prometheus.Labels{"pool": name}
	gauge := func(metric, help string, read func(pool.Stats) int) {
		c.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace, Name: metric, Help: help, ConstLabels: labels,
		}, func() float64 { return float64(read(stats())) })
	}
	gauge("pool_workers", "Worker goroutines alive in the pool", func(s pool.Stats) int { return s.Workers })
	gauge("pool_active_workers", "Workers currently running a task", func(s pool.Stats) int { return s.Active })
	gauge("pool_queued_tasks", "Tasks waiting in the pool queue", func(s pool.Stats) int { return s.Queued })
	c.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.namespace, Name: "pool_rejected_total", Help: "Tasks rejected because the pool was full", ConstLabels: labels,
	}, func() float64 { return float64(stats().Rejected) })
}

// statusClass 把状态码归为 2xx/3xx/4xx/5xx
func statusClass(code int) string {
	if code < 200 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
