// Package progress carries run and gallery completion events from the pipeline to pluggable
// sinks. Emit never blocks the pipeline; a background goroutine batches events and fans them
// out to logs, Prometheus, Pub/Sub or an in-memory report.
package progress
