// Package sinks implements progress consumers: structured logging,
// Prometheus counters, and event publishing. Each satisfies progress.Sink.
package sinks
