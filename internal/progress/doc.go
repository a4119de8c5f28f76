// Package progress carries run and notebook lifecycle events from the
// sequencer and workers to pluggable sinks. Emit never blocks; a background
// goroutine batches events and flushes them to each sink.
package progress
