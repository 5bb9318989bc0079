// Package api hosts the HTTP server, middleware, and REST handlers for the
// discovery pipeline. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/keywords/search and /v1/products/... for single stages.
//   - POST /v1/blogs/content for blog generation.
//   - POST /v1/runs and GET /v1/runs/{run_id} for whole pipeline runs.
//
// Every stage response echoes job_id, schedule_id and schedule_his_id from the
// request alongside a status field.
package api
