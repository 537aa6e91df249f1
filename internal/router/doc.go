// Package router demultiplexes upstream frames by event category.
//
// Each category gets its own GrowableBuffer so one slow listener never
// blocks another. Buffers are bounded: when a consumer falls behind the
// oldest events are dropped and counted. Command responses bypass the
// buffers and go straight to the owning feed for correlation.
package router
