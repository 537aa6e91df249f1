// Package connection implements the upstream brokerage streaming connections.
//
// It provides:
//   - Client: one WebSocket connection with ping/pong keepalive and stale detection
//   - MarketFeed: quote, trade, summary and greeks streams over one connection
//   - AccountFeed: order-state events for the user's accounts
//   - Dialer: opens both feeds with a user's credential
//
// Commands are correlated with responses by id. A handshake rejected with
// 401/403 or a command failing with an auth error code terminates the feed
// with ErrAuthExpired.
package connection
