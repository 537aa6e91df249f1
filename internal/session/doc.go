// Package session implements the Upstream Session component.
//
// A Session owns one user's upstream connections:
//   - One market-data feed, plus an optional account/order feed
//   - One listener goroutine per event category, merging events into
//     per-symbol records, writing them to the cache and signalling the
//     subscription coordinator
//   - Credential-expiry detection (state oauth_expired, clients notified)
//   - Reconnection with exponential backoff after unexpected stream loss
//   - Two-phase shutdown: close feeds, wait for listeners, then cancel
package session
