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

// 转换终态标签值
const (
	StatusSuccess  = "success"
	StatusCacheHit = "cache_hit"
	StatusFailed   = "failed"
	StatusTimeout  = "timeout"
	StatusRejected = "rejected"
)

var (
	sizeBuckets       = prometheus.ExponentialBuckets(1024, 4, 10) // 1KiB .. 256MiB
	conversionBuckets = []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120, 300}
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 汇总 HTTP、转换流水线、结果缓存与历史库的 Prometheus 指标
type Collector struct {
	namespace string
	factory   promauto.Factory

	requests     *prometheus.CounterVec   // method, route, class
	latency      *prometheus.HistogramVec // method, route
	requestSize  *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec

	conversions    *prometheus.CounterVec   // input, output, status
	conversionTime *prometheus.HistogramVec // input, output
	admissions     *prometheus.CounterVec   // result
	cleanupFails   prometheus.Counter
	restarts       *prometheus.CounterVec // reason

	cacheLookups *prometheus.CounterVec // tier, result

	dbConns *prometheus.GaugeVec // database, state

	logger *zap.Logger
}

// Option 配置 Collector
type Option func(*collectorOptions)

type collectorOptions struct {
	registerer prometheus.Registerer
}

// WithRegisterer 指定注册表，默认使用 prometheus.DefaultRegisterer
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *collectorOptions) { o.registerer = r }
}

// NewCollector 创建并注册全部指标。同一注册表内 namespace 不能重复。
func NewCollector(namespace string, logger *zap.Logger, opts ...Option) *Collector {
	o := collectorOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	f := promauto.With(o.registerer)
	c := &Collector{
		namespace: namespace,
		factory:   f,
		logger:    logger.With(zap.String("component", "metrics")),
	}

	// HTTP
	c.requests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by method, route and status class",
	}, []string{"method", "route", "status"})
	c.latency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help: "HTTP request latency", Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	c.requestSize = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_size_bytes",
		Help: "Uploaded bytes per request", Buckets: sizeBuckets,
	}, []string{"method", "route"})
	c.responseSize = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "response_size_bytes",
		Help: "Returned bytes per request", Buckets: sizeBuckets,
	}, []string{"method", "route"})

	// 转换流水线
	c.conversions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "conversions_total",
		Help: "Conversion requests by terminal status",
	}, []string{"input_format", "output_format", "status"})
	c.conversionTime = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "conversion_duration_seconds",
		Help: "End-to-end conversion duration", Buckets: conversionBuckets,
	}, []string{"input_format", "output_format"})
	c.admissions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "rate_limit_decisions_total",
		Help: "Admission decisions: allowed, rejected, degraded",
	}, []string{"result"})
	c.cleanupFails = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "workspace_cleanup_failures_total",
		Help: "Per-request workspaces that could not be removed",
	})
	c.restarts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "engine", Name: "restarts_total",
		Help: "Scene engine process teardowns",
	}, []string{"reason"})

	// 结果缓存，tier: result_local, result_shared
	c.cacheLookups = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
		Help: "Result cache lookups by tier and outcome",
	}, []string{"tier", "result"})

	// 历史库
	c.dbConns = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "db", Name: "connections",
		Help: "Database pool connections by state",
	}, []string{"database", "state"})

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RegisterQueueDepth 注册等待引擎的转换数，采集时回调 fn
func (c *Collector) RegisterQueueDepth(fn func() int) prometheus.GaugeFunc {
	return c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace, Subsystem: "engine", Name: "queue_depth",
		Help: "Conversion attempts waiting for the scene engine",
	}, func() float64 { return float64(fn()) })
}

// =============================================================================
// 🎯 记录
// =============================================================================

// RecordHTTPRequest 记录一次 HTTP 请求；route 必须是有界的路由标签
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.requests.WithLabelValues(method, route, statusClass(status)).Inc()
	c.latency.WithLabelValues(method, route).Observe(duration.Seconds())
	if requestSize > 0 {
		c.requestSize.WithLabelValues(method, route).Observe(float64(requestSize))
	}
	c.responseSize.WithLabelValues(method, route).Observe(float64(responseSize))
}

// RecordConversion 记录一次转换的终态与耗时
func (c *Collector) RecordConversion(input, output, status string, duration time.Duration) {
	c.conversions.WithLabelValues(input, output, status).Inc()
	c.conversionTime.WithLabelValues(input, output).Observe(duration.Seconds())
}

func (c *Collector) RecordRateLimit(result string) {
	c.admissions.WithLabelValues(result).Inc()
}

func (c *Collector) RecordWorkspaceCleanupFailure() {
	c.cleanupFails.Inc()
}

// RecordEngineRestart 记录引擎进程被拆除的原因
func (c *Collector) RecordEngineRestart(reason string) {
	c.restarts.WithLabelValues(reason).Inc()
	c.logger.Warn("scene engine restarted", zap.String("reason", reason))
}

func (c *Collector) RecordCacheHit(tier string) {
	c.cacheLookups.WithLabelValues(tier, "hit").Inc()
}

func (c *Collector) RecordCacheMiss(tier string) {
	c.cacheLookups.WithLabelValues(tier, "miss").Inc()
}

// RecordDBConnections 记录连接池快照
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConns.WithLabelValues(database, "open").Set(float64(open))
	c.dbConns.WithLabelValues(database, "idle").Set(float64(idle))
	c.dbConns.WithLabelValues(database, "in_use").Set(float64(open - idle))
}

// statusClass 把状态码归并为 2xx..5xx，避免标签基数膨胀
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
