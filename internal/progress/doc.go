// Package progress provides the event primitives and the non-blocking hub that
// workers use to report scrape progress. The hub batches events on a
// background goroutine and fans them out to pluggable sinks such as logs,
// Prometheus collectors or unit-outcome notifications.
package progress
