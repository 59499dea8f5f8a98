package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal 记录管理接口 HTTP 请求的总数
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the admin API.",
		},
		[]string{"path", "method", "code"}, // 按路径、方法、状态码分类
	)

	// BatchesResolvedTotal 记录批次的最终结果 (commit/rollback)
	BatchesResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_batches_resolved_total",
			Help: "Total number of batches resolved against the source, by outcome.",
		},
		[]string{"destination", "outcome"},
	)

	// BatchEntriesSentTotal 记录已交给生产者的事件条数
	BatchEntriesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_batch_entries_sent_total",
			Help: "Total number of change events handed to the producer.",
		},
		[]string{"destination"},
	)

	// SendFailuresTotal 记录生产者同步拒绝批次的次数
	SendFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_send_failures_total",
			Help: "Total number of batches the producer refused synchronously.",
		},
		[]string{"destination"},
	)

	// ResolveTimeoutsTotal 记录等待回调超时的批次
	ResolveTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_resolve_timeouts_total",
			Help: "Total number of batches rolled back because the producer never resolved them.",
		},
		[]string{"destination"},
	)

	// EmptyFetchesTotal 记录空批次的次数
	EmptyFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_empty_fetches_total",
			Help: "Total number of fetches that returned no data.",
		},
		[]string{"destination"},
	)

	// ThrottleWaitSeconds 记录限流等待的时长
	ThrottleWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdc_throttle_wait_seconds",
			Help:    "Time a destination waited for its topic to fall under the rate ceiling.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"destination"},
	)

	// ActiveWorkers 标记当前节点上运行中的目标数
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdc_active_workers",
			Help: "Number of destination workers registered on this node.",
		},
	)

	// EngineRunning 标记分发引擎是否运行
	EngineRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdc_engine_running",
			Help: "Is the dispatch engine running on this node. 1 if running, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
