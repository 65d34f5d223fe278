// Package metrics exposes the resolver's Prometheus instruments on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webstart_cache"

// 补丁结果标签取值。
const (
	PatchApplied  = "applied"
	PatchRejected = "rejected"
	PatchFallback = "fallback"
)

// Metrics 汇总 tracker 使用的计数器与直方图。所有方法对 nil 接收者安全。
type Metrics struct {
	registry      *prometheus.Registry
	resources     *prometheus.CounterVec
	downloadBytes prometheus.Counter
	retries       prometheus.Counter
	patches       *prometheus.CounterVec
	duration      prometheus.Histogram
}

// New 创建独立 registry 并注册全部指标，另附 Go 运行时与进程指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_total",
			Help:      "Resources resolved, partitioned by terminal state",
		}, []string{"state"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes written into the cache from the network",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_retries_total",
			Help:      "Download attempts retried after a transient failure",
		}),
		patches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_total",
			Help:      "Incremental jar patches, partitioned by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Time spent resolving a single resource",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.resources,
		m.downloadBytes,
		m.retries,
		m.patches,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回私有 registry，便于测试或额外注册。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ResourceFinished 记录一个资源的终态与耗时。
func (m *Metrics) ResourceFinished(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.resources.WithLabelValues(state).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// AddDownloadBytes 累加写入缓存的字节数。
func (m *Metrics) AddDownloadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(float64(n))
}

// Retry 记录一次重试。
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Patch 记录一次增量补丁结果。
func (m *Metrics) Patch(outcome string) {
	if m == nil {
		return
	}
	m.patches.WithLabelValues(outcome).Inc()
}

// Handler 返回暴露私有 registry 的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
