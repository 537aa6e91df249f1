// Package registry implements the Session Registry component.
//
// The Registry:
//   - Maps user to Upstream Session, creating sessions on first use
//   - Defers teardown of unreferenced sessions by a cancelable grace period
//   - Sweeps sessions idle beyond a ceiling regardless of reference counts
//   - Periodically purges expired subscriptions in every session
//
// The registry lock guards only the map; session start and stop happen
// outside it.
package registry
