// Package api hosts the read-only status server. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run and /v1/runs/{run_id} for run progress snapshots.
//   - GET /v1/history for recently requested tags.
//   - GET /v1/archive/galleries[/{gallery}] for the archive index.
package api
