// Package audit provides the execution record type, a non-blocking hub and
// the emitter interface the orchestrator and API handlers use to report
// per-stage outcomes. Records are batched on a background goroutine and fanned
// out to pluggable sinks such as structured logs, Postgres or Prometheus.
package audit
