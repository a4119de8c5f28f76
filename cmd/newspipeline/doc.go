// Package main hosts the news pipeline service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /run_<stage> to start a stage and /progress/<step> to read the
//     progress of the latest run of a stage. Both require the shared ?token= query parameter. /runs and
//     /runs/<id> expose run history; /healthz, /readyz and /metrics are unauthenticated.
//   - Dispatcher & queue: every accepted request records a queued run and pushes it onto a bounded in-memory
//     queue sized by pipeline.queue_depth. A fixed pool of pipeline.concurrency workers drains it. A full queue
//     answers 503 rather than blocking the request.
//   - Execution: a worker resolves the stage runner, which instantiates the stage's notebooks with the configured
//     parameters and hands them to the sequencer. The sequencer runs them one at a time through a papermill
//     compatible kernel process, each bounded by pipeline.timeout_seconds.
//   - Persistence & fanout: executed notebooks are archived to the configured BlobStore (memory/local/GCS). Run
//     state lives in memory or Postgres. Progress events are batched by the progress hub and fanned out to the
//     run store, Prometheus, the log and a Pub/Sub topic when one is configured.
//
// Quick checklist:
//   - Configure env vars: PIPELINE_AUTH_TOKEN, PIPELINE_SERVER_PORT, PIPELINE_PIPELINE_NOTEBOOK_DIR,
//     PIPELINE_STORAGE_BACKEND, PIPELINE_DATABASE_DSN and PIPELINE_PUBSUB_* as needed.
//   - Run locally: go run ./cmd/newspipeline (reads ./config.json when present, or pass -config config.yaml)
package main
