// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 任务指标
	tasksProcessed *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	claimsTotal    *prometheus.CounterVec
	requeuesTotal  *prometheus.CounterVec

	// 远程通道指标
	remoteAssignments *prometheus.CounterVec
	remoteUploads     *prometheus.CounterVec
	remoteReconnects  prometheus.Counter

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 任务指标
	c.tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Total number of processed tasks by outcome",
		},
		[]string{"task_type", "outcome"}, // outcome: done, retry, failed, stale, error
	)

	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Stage handler duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"task_type"},
	)

	c.claimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_claims_total",
			Help:      "Total number of claim attempts",
		},
		[]string{"work_type", "result"}, // result: claimed, empty, error
	)

	c.requeuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_requeues_total",
			Help:      "Total number of timed out tasks reclaimed by the requeue scanner",
		},
		[]string{"result"}, // result: requeued, failed
	)

	// 远程通道指标
	c.remoteAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_assignments_total",
			Help:      "Total number of remote task assignments by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.remoteUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_uploads_total",
			Help:      "Total number of result uploads to the remote channel",
		},
		[]string{"bucket", "outcome"},
	)

	c.remoteReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_reconnects_total",
			Help:      "Total number of remote assignment stream reconnects",
		},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// ⚙️ 任务指标记录
// =============================================================================

// RecordTask 记录一次任务处理结果及处理器耗时
func (c *Collector) RecordTask(taskType, outcome string, duration time.Duration) {
	c.tasksProcessed.WithLabelValues(taskType, outcome).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordClaim 记录一次领取尝试
func (c *Collector) RecordClaim(workType string, claimed bool, err error) {
	result := "empty"
	switch {
	case err != nil:
		result = "error"
	case claimed:
		result = "claimed"
	}
	c.claimsTotal.WithLabelValues(workType, result).Inc()
}

// RecordRequeue 记录一次超时扫描的结果
func (c *Collector) RecordRequeue(requeued, failed int) {
	c.requeuesTotal.WithLabelValues("requeued").Add(float64(requeued))
	c.requeuesTotal.WithLabelValues("failed").Add(float64(failed))
}

// =============================================================================
// 🛰️ 远程通道指标记录
// =============================================================================

// RecordRemoteAssignment 记录远程任务转换结果
func (c *Collector) RecordRemoteAssignment(kind, outcome string) {
	c.remoteAssignments.WithLabelValues(kind, outcome).Inc()
}

// RecordRemoteUpload 记录结果上传
func (c *Collector) RecordRemoteUpload(bucket string, ok bool) {
	c.remoteUploads.WithLabelValues(bucket, strconv.FormatBool(ok)).Inc()
}

// RecordRemoteReconnect 记录一次重连
func (c *Collector) RecordRemoteReconnect() {
	c.remoteReconnects.Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
