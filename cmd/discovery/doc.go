// Package main hosts the discovery service entrypoint.
//
// Architecture overview:
//   - Pipeline: a trending keyword (sampled from the Naver shopping ranking when
//     none is given) drives a product search, keyword matching against the
//     result titles, and embedding similarity ranking that selects one product.
//     Selected products can then be crawled in detail, have their images copied
//     to blob storage, get a generated blog post, and be handed off on Pub/Sub.
//   - HTTP API: internal/api exposes every stage individually plus whole runs.
//     Runs can execute inline or be queued on the dispatcher's worker pool.
//   - Persistence: stage records flow through the audit hub to zap logs,
//     Prometheus, and the Postgres execution_log table when a DSN is set. Run
//     results live in a bounded in-memory store.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics and OpenTelemetry traces
//     cover stages, fetches, embeddings and HTTP requests.
//
// Usage:
//
//	discovery [serve] [-config path]
//	discovery run [-config path] [-keyword kw] [-category c] [-top-n n] [-detail] [-upload] [-content] [-publish]
//
// The run subcommand prints the run result as JSON and exits non-zero when
// the run fails. Environment overrides use the DISCOVERY_ prefix, e.g.
// DISCOVERY_EMBEDDING_MODEL_PATH; PORT overrides server.port.
package main
