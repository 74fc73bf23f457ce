// Package metrics Prometheus 指标与 HTTP 中间件
package metrics

import (
	"strconv"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/decompiler"
	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger   *logrus.Logger
	gatherer prometheus.Gatherer

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 流水线指标
	artifactsTotal    *prometheus.CounterVec
	artifactDuration  *prometheus.HistogramVec
	stageDuration     *prometheus.HistogramVec
	findingsTotal     *prometheus.CounterVec
	toolRunsTotal     *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	reportCacheLookup *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
	retrySuccessTotal  *prometheus.CounterVec
}

var _ decompiler.Recorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics 创建指标收集器；reg 为 nil 时注册到默认 Registry
func NewPrometheusMetrics(logger *logrus.Logger, namespace string, reg *prometheus.Registry) *PrometheusMetrics {
	if namespace == "" {
		namespace = "appsec"
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	pm := &PrometheusMetrics{
		logger:   logger,
		gatherer: gatherer,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		artifactsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_total",
				Help:      "Total number of analyzed artifacts",
			},
			[]string{"binary_type", "status"}, // status: success/partial/failed
		),
		artifactDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_duration_seconds",
				Help:      "Artifact analysis duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"binary_type"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
			},
			[]string{"stage"},
		),
		findingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_findings_total",
				Help:      "Total number of security findings by severity",
			},
			[]string{"severity"},
		),
		toolRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_tool_runs_total",
				Help:      "External tool invocations by outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "external_tool_duration_seconds",
				Help:      "External tool run time in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"tool"},
		),
		reportCacheLookup: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_cache_lookups_total",
				Help:      "Report cache lookups by result",
			},
			[]string{"result"}, // hit/miss
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of artifacts waiting in queue",
			},
		),

		retryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
		retrySuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_success_total",
				Help:      "Total number of successful retries",
			},
			[]string{"operation"},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 /metrics 的 gin Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// StageDuration 阶段耗时
func (pm *PrometheusMetrics) StageDuration(stage string, d time.Duration) {
	pm.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RunFinished 制品分析结束
func (pm *PrometheusMetrics) RunFinished(binaryType domain.BinaryType, status string, d time.Duration) {
	label := string(binaryType)
	if label == "" {
		label = "unknown"
	}
	pm.artifactsTotal.WithLabelValues(label, status).Inc()
	pm.artifactDuration.WithLabelValues(label).Observe(d.Seconds())
}

// FindingsRecorded 按严重程度累加发现数
func (pm *PrometheusMetrics) FindingsRecorded(counts map[domain.Severity]int) {
	for sev, n := range counts {
		pm.findingsTotal.WithLabelValues(string(sev)).Add(float64(n))
	}
}

// ObserveTool 外部工具结果，签名与 toolexec.Observer 一致
func (pm *PrometheusMetrics) ObserveTool(tool, outcome string, d time.Duration) {
	pm.toolRunsTotal.WithLabelValues(tool, outcome).Inc()
	pm.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordCacheLookup 报告缓存命中情况
func (pm *PrometheusMetrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	pm.reportCacheLookup.WithLabelValues(result).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetrySuccess 记录重试成功
func (pm *PrometheusMetrics) RecordRetrySuccess(operation string) {
	pm.retrySuccessTotal.WithLabelValues(operation).Inc()
}
