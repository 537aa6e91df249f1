// Package cache implements the Cache Layer component.
//
// The Cache Layer:
//   - Wraps a key/value Store (Redis in production) shared by all sessions
//   - Selects TTL from the key's data Kind, never from the key text
//   - Stores a write timestamp with every value; reads older than the
//     kind's freshness window are reported as absent
//   - Retries failed operations with exponential backoff and degrades to
//     an empty result instead of returning errors
//   - Tracks hit/miss/error counters and average latency
package cache
