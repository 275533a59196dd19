// Package progress carries crawl lifecycle events from the controller to
// pluggable sinks. A Hub batches events on a background goroutine so the
// crawl loop never waits on logging, metrics, or publishing.
package progress
