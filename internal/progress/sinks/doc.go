// Package sinks implements concrete progress consumers: structured logging, Prometheus
// collectors, a Pub/Sub publisher and an in-memory run report. Each sink satisfies the
// progress.Sink interface.
package sinks
