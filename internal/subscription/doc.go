// Package subscription implements the Subscription Coordinator component.
//
// The Coordinator:
//   - Translates canonical symbols (OCC for options) to streamer symbols
//   - Dedupes subscriptions and caps the set size, evicting oldest first
//   - Creates a one-shot first-data signal per newly added symbol
//   - Issues upstream subscribe calls in rate-limited batches per
//     asset class and event category
//   - Purges subscriptions older than the TTL
//
// Waiters on a symbol that is evicted, expired, or reset are released
// with an error instead of blocking until their timeout.
package subscription
