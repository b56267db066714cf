package wsitiles

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics holds the Prometheus collectors shared across BlockCache,
// SlideRegistry, and TileService. Constructed once per process; a nil
// *Metrics receiver disables collection, so call sites never need a
// nil check.
type Metrics struct {
	blockCacheRequests *prometheus.CounterVec
	blockCacheEntries  *prometheus.GaugeVec
	bucketRequests     *prometheus.CounterVec
	bucketDuration     *prometheus.HistogramVec
	slideOpens         *prometheus.CounterVec
	tileRequests       *prometheus.CounterVec
	tileDuration       *prometheus.HistogramVec
}

func registerMetric[K prometheus.Collector](logger *zap.SugaredLogger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		if logger != nil {
			logger.Debugw("metric already registered", "error", err)
		}
	}
	return metric
}

// NewMetrics constructs and registers the collectors under the
// "wsitiles" Prometheus namespace.
func NewMetrics(logger *zap.SugaredLogger) *Metrics {
	const ns = "wsitiles"
	durationBuckets := prometheus.DefBuckets

	return &Metrics{
		blockCacheRequests: registerMetric(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "block_cache_requests_total",
			Help:      "Requests to the block cache by slide and result (hit/miss).",
		}, []string{"slide", "result"})),
		blockCacheEntries: registerMetric(logger, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "block_cache_entries",
			Help:      "Cached blocks currently held per slide.",
		}, []string{"slide"})),
		bucketRequests: registerMetric(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bucket_requests_total",
			Help:      "Requests made to the remote RangeReader.",
		}, []string{"slide", "status"})),
		bucketDuration: registerMetric(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "bucket_request_duration_seconds",
			Help:      "Duration of individual RangeReader fetches.",
			Buckets:   durationBuckets,
		}, []string{"slide"})),
		slideOpens: registerMetric(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "slide_opens_total",
			Help:      "Slide open attempts by result (hit/miss/error).",
		}, []string{"result"})),
		tileRequests: registerMetric(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tile_requests_total",
			Help:      "Tile requests by result (cache_hit/cache_miss/error).",
		}, []string{"result"})),
		tileDuration: registerMetric(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "tile_request_duration_seconds",
			Help:      "End-to-end duration of get_tile calls.",
			Buckets:   durationBuckets,
		}, []string{"result"})),
	}
}

func (m *Metrics) blockCacheHit(slide string) {
	if m == nil {
		return
	}
	m.blockCacheRequests.WithLabelValues(slide, "hit").Inc()
}

func (m *Metrics) blockCacheMiss(slide string) {
	if m == nil {
		return
	}
	m.blockCacheRequests.WithLabelValues(slide, "miss").Inc()
}

func (m *Metrics) setBlockCacheEntries(slide string, n int) {
	if m == nil {
		return
	}
	m.blockCacheEntries.WithLabelValues(slide).Set(float64(n))
}

type bucketTracker struct {
	m     *Metrics
	slide string
	start time.Time
}

func (m *Metrics) startBucketRequest(slide string) *bucketTracker {
	return &bucketTracker{m: m, slide: slide, start: time.Now()}
}

func (t *bucketTracker) finish(status string) {
	if t == nil || t.m == nil {
		return
	}
	t.m.bucketRequests.WithLabelValues(t.slide, status).Inc()
	t.m.bucketDuration.WithLabelValues(t.slide).Observe(time.Since(t.start).Seconds())
}

func (m *Metrics) slideOpen(result string) {
	if m == nil {
		return
	}
	m.slideOpens.WithLabelValues(result).Inc()
}

type tileTracker struct {
	m     *Metrics
	start time.Time
}

func (m *Metrics) startTileRequest() *tileTracker {
	return &tileTracker{m: m, start: time.Now()}
}

func (t *tileTracker) finish(result string) {
	if t == nil || t.m == nil {
		return
	}
	t.m.tileRequests.WithLabelValues(result).Inc()
	t.m.tileDuration.WithLabelValues(result).Observe(time.Since(t.start).Seconds())
}
