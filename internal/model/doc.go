// Package model defines the market-data and order-event types shared across
// the streaming coordinator.
//
// Conventions:
//   - Prices: shopspring decimal, encoded as JSON strings
//   - Timestamps: int64 milliseconds since Unix epoch, as sent by the feed
//   - Symbols: canonical (OCC for options) unless a field says otherwise
package model
