// Package api hosts the admin HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/items to enqueue a product page.
//   - GET /v1/status and /v1/domains/{domain} for read-only reports.
//   - POST /v1/domains/{domain}/reset and /v1/queue/{pause,resume,flush} for
//     operator control.
package api
