package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheHits tracks cache hits by freshness tier.
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncline_cache_hits_total",
			Help: "Total number of cache hits by freshness (fresh, stale)",
		},
		[]string{"freshness"},
	)

	// cacheMisses tracks cache misses, including expired entries.
	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncline_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// dedupedRequests tracks callers that joined an in-flight request
	// instead of starting their own.
	dedupedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncline_cache_deduped_requests_total",
			Help: "Total number of callers that shared an in-flight request",
		},
	)

	// refreshResults tracks background refresh outcomes.
	refreshResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncline_cache_refresh_total",
			Help: "Total number of background refreshes by result (success, failure, skipped)",
		},
		[]string{"result"},
	)

	// durableErrors tracks failed durable-store operations. The cache
	// keeps working memory-only when these occur.
	durableErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncline_cache_durable_errors_total",
			Help: "Total number of durable store errors by operation",
		},
		[]string{"operation"}, // "load", "put", "delete"
	)
)
