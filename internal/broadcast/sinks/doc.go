// Package sinks provides broadcast.Sink implementations: structured logs,
// Prometheus gauges, websocket subscribers, Redis channels, Pub/Sub topics and
// an in-memory recorder for tests.
package sinks
