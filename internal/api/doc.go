// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs, GET /v1/runs/current and POST /v1/runs/current/cancel to
//     drive the validation run lifecycle.
//   - GET /v1/runs and /v1/runs/{run_id} for persisted run progress via the
//     RunRepository interface.
//   - GET /v1/sources?group= for the current source records.
package api
