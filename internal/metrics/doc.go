// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Upstream session count, start results and teardown timers
//   - Listener event rates and malformed-event counts per category
//   - Cache hit/miss/error counts and operation latency
//   - Downstream client connections and lagging-client evictions
//   - Subscription churn (added, evicted, expired)
package metrics
