package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits 按策略维度统计缓存命中次数。
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"policy"},
	)

	// CacheMisses 按策略维度统计缓存未命中次数。
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"policy"},
	)

	// UpstreamFetchSeconds 记录回源请求耗时分布。
	UpstreamFetchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_fetch_seconds",
			Help:    "Duration of upstream fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"policy"},
	)

	// StorageSizeBytes 反映各策略当前占用的存储字节数。
	StorageSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storage_size_bytes",
			Help: "Current storage size per policy in bytes",
		},
		[]string{"policy"},
	)

	// OutboundRequests 统计回源请求的成功/失败结果。
	OutboundRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_requests_total",
			Help: "Total number of outbound upstream requests",
		},
		[]string{"policy", "result"}, // result: success|failure
	)

	// FilesRemoved 统计淘汰/过期清理删除的缓存对象数。
	FilesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "files_removed_total",
			Help: "Total number of cache objects removed by eviction or expiry",
		},
	)
)
