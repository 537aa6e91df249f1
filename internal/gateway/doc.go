// Package gateway implements the Client Gateway component.
//
// The Gateway:
//   - Authenticates downstream WebSocket clients before any upstream work
//   - Attaches each connection to the user's Upstream Session, counting it
//     only after the WebSocket handshake completes
//   - Schedules session teardown when the last connection for a user closes
//   - Routes inbound control messages (ping, subscribe_legs)
//   - Fans session broadcasts out to every connection of a user, dropping
//     clients that fall behind
//   - Serves operational status, health and Prometheus metrics over gin
package gateway
