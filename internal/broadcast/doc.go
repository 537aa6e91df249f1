// Package broadcast fans session events out beyond the WebSocket gateway.
//
// Fanout delivers one event to several Broadcasters. NATSPublisher
// publishes events for business consumers on
// {prefix}.events.{type}.{user} and answers subscribe requests on
// {prefix}.control.subscribe.
package broadcast
