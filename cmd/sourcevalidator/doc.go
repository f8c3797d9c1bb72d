// Package main hosts the source-validator entrypoint.
//
// Architecture overview:
//   - Scheduler: internal/scheduler.Scheduler validates a snapshot of source records with exactly N concurrent
//     probe slots. Each slot claims the next cursor index, probes it under a per-probe deadline, applies the
//     status policy (mark invalid or restore), persists the verdict, and publishes progress before claiming again.
//   - Lifecycle: internal/dispatcher.Dispatcher allows one active run, detaches it from the request that started
//     it, and supports idempotent cancellation. Cancelled runs publish a single "cancelled" terminal event.
//   - Probes: internal/probe wraps a Colly collector for generic GETs and metadata fetches (title/body present),
//     behind a per-host token bucket.
//   - Persistence & fanout: sources live in memory or Postgres; run progress is written through the progress hub
//     to the run repository, Prometheus, an in-memory tracker read by the API, an optional JSON report archive
//     (memory/local/GCS), and a Pub/Sub run-finished notification.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging with
//     optional lumberjack rotation; Prometheus metrics are served on /metrics.
//
// Quick checklist:
//   - Configure env vars: SOURCEVALIDATOR_SERVER_PORT, SOURCEVALIDATOR_VALIDATOR_CONCURRENCY,
//     SOURCEVALIDATOR_VALIDATOR_PROBE_TIMEOUT, SOURCEVALIDATOR_SOURCES_BACKEND, SOURCEVALIDATOR_DATABASE_DSN,
//     report and pubsub settings when archiving or notifications are required.
//   - Serve the API: sourcevalidator serve --config config.yaml
//   - One-shot check: sourcevalidator check --concurrency 6
//   - Load sources: sourcevalidator sources import sources.json
package main
