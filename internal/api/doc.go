// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for health checks; readyz pings the warehouse.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/last for the most recent recorded run report.
package api
