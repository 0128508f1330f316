// Package api hosts the HTTP server, middleware, and REST handlers for
// triggering scans. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans runs a scan synchronously and returns the aggregate result.
//   - POST /v1/scans/async queues a scan; GET /v1/scans/{id} polls it and
//     POST /v1/scans/{id}/cancel stops it at the next URL boundary.
package api
