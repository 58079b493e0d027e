// Package metrics 定义 Prometheus 指标。
//
// 指标在进程启动时通过 InitMetrics 注册一次，各组件直接引用包级变量。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FetchTotal 按主机与结果统计出站请求数。
	FetchTotal *prometheus.CounterVec

	// FetchDuration 出站请求耗时分布（秒）。
	FetchDuration *prometheus.HistogramVec

	// CardResolveTotal 按结果（resolved / unresolved / skipped）统计卡牌解析数。
	CardResolveTotal *prometheus.CounterVec

	// OfferScrapeTotal 按结果统计报价抓取次数。
	OfferScrapeTotal *prometheus.CounterVec

	// OfferPagesScraped 单次报价抓取翻过的页数分布。
	OfferPagesScraped prometheus.Histogram

	// DaemonPassDuration 单轮 worker 扫描耗时（秒）。
	DaemonPassDuration prometheus.Histogram

	// TasksPending 当前仍有待处理条目的任务数。
	TasksPending prometheus.Gauge

	// PoolWorkers 当前配置的并发上限。
	PoolWorkers prometheus.Gauge
)

var initOnce sync.Once

// InitMetrics 注册所有指标，重复调用是无害的。
func InitMetrics(poolCap int) {
	initOnce.Do(func() {
		FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardhunter_fetch_total",
			Help: "Outbound fetches by host and result.",
		}, []string{"host", "result"})

		FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardhunter_fetch_duration_seconds",
			Help:    "Outbound fetch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"})

		CardResolveTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardhunter_card_resolve_total",
			Help: "Card resolutions by outcome.",
		}, []string{"outcome"})

		OfferScrapeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardhunter_offer_scrape_total",
			Help: "Offer table scrapes by outcome.",
		}, []string{"outcome"})

		OfferPagesScraped = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cardhunter_offer_pages_scraped",
			Help:    "Pages walked per offer scrape.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		})

		DaemonPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cardhunter_daemon_pass_duration_seconds",
			Help:    "Duration of a single worker pass.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		})

		TasksPending = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cardhunter_tasks_pending",
			Help: "Tasks that still have need_update entries.",
		})

		PoolWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cardhunter_pool_workers",
			Help: "Configured resolution pool cap.",
		})

		prometheus.MustRegister(
			FetchTotal,
			FetchDuration,
			CardResolveTotal,
			OfferScrapeTotal,
			OfferPagesScraped,
			DaemonPassDuration,
			TasksPending,
			PoolWorkers,
		)

		PoolWorkers.Set(float64(poolCap))
	})
}
