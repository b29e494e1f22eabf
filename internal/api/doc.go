// Package api hosts the status HTTP server that runs alongside a harvest.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the live run tally.
package api
