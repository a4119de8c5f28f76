// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, the run repository's notebook history and run completion
// notifications. Each sink satisfies progress.Sink.
package sinks
