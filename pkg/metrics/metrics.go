// Package metrics provides the centralized Prometheus metrics registry
// for the syncline data-access layer. All metrics are defined in their
// respective packages (gateway, cache, session, syncqueue) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the data-access
// layer. All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/gateway):
//   - syncline_requests_total{endpoint, status} (Counter): Backend requests by endpoint and HTTP status
//   - syncline_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - syncline_errors_total{kind} (Counter): Classified request errors by kind
//
// Retry Metrics (pkg/gateway):
//   - syncline_retries_total{kind} (Counter): Retry attempts by error kind
//   - syncline_retry_exhausted_total{kind} (Counter): Requests that exhausted max attempts
//
// Cache Metrics (pkg/cache):
//   - syncline_cache_hits_total{freshness} (Counter): Cache hits by freshness tier (fresh, stale)
//   - syncline_cache_misses_total (Counter): Cache misses, including expired entries
//   - syncline_cache_deduped_requests_total (Counter): Callers that joined an in-flight fetch
//   - syncline_cache_refresh_total{result} (Counter): Background refreshes by outcome (success, failure, skipped)
//   - syncline_cache_durable_errors_total{operation} (Counter): Durable store failures by operation
//
// Session Metrics (pkg/session):
//   - syncline_token_refresh_total{result} (Counter): Credential refresh operations by result
//   - syncline_auth_terminal_failures_total (Counter): Terminal auth failures (credential rejected)
//
// Sync Queue Metrics (pkg/syncqueue):
//   - syncline_sync_tasks_enqueued_total (Counter): Tasks persisted for later delivery
//   - syncline_sync_tasks_delivered_total (Counter): Tasks delivered successfully
//   - syncline_sync_tasks_exhausted_total (Counter): Tasks dropped after their retry budget
//   - syncline_sync_delivery_attempts_total{result} (Counter): Delivery attempts by result
//   - syncline_sync_queue_depth (Gauge): Tasks currently persisted
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(syncline_cache_hits_total[5m])) /
//   (sum(rate(syncline_cache_hits_total[5m])) + sum(rate(syncline_cache_misses_total[5m])))
//
//   # Request Error Rate by Kind
//   rate(syncline_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(syncline_request_duration_seconds_bucket[5m]))
//
//   # Unsent Changes
//   syncline_sync_queue_depth
//
//   # Stale-Serve Share
//   rate(syncline_cache_hits_total{freshness="stale"}[5m]) /
//   sum(rate(syncline_cache_hits_total[5m]))
