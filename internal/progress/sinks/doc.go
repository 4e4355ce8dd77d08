// Package sinks implements concrete progress consumers: structured logs,
// Prometheus collectors and unit-outcome notifications. Each sink satisfies
// progress.Sink and tolerates repeated Consume calls.
package sinks
