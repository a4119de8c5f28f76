// Package api hosts the HTTP server, middleware, and handlers for triggering
// stage runs and reading their progress. Routes:
//   - GET /run_{stage}?token= queues a run of scrape, summarization, grade or
//     digest_generation.
//   - GET /progress/{step}?token= reads the stage progress table.
//   - GET /runs and /runs/{run_id} report individual runs.
//   - GET /healthz, /readyz and /metrics for health checks and Prometheus scraping.
package api
