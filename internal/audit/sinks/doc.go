// Package sinks implements concrete audit consumers: structured logging,
// repository-backed storage and Prometheus run metrics. Each sink satisfies
// audit.Sink and is safe for repeated Consume/Close cycles.
package sinks
