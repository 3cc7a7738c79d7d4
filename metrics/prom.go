package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebin_paste_retrieved_total",
			Help: "no. of pastes retrieved",
		},
		[]string{"view"},
	)
	PasteNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebin_paste_not_found_total",
		Help: "no. of lookups for unknown tokens",
	})
	TokenConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebin_token_conflicts_total",
		Help: "no. of token collisions on insert",
	})
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebin_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebin_cache_misses_total",
		Help: "no. of cache misses",
	})
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebin_storage_errors_total",
			Help: "no. of paste store failures",
		},
		[]string{"op"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	TemplateReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebin_template_reloads_total",
			Help: "no. of template set reloads",
		},
		[]string{"result"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharebin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
