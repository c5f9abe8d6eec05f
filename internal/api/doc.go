// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/crawlers/{crawler_id}/status_stream/ for the live event stream.
//   - GET/POST /api/crawlers/{crawler_id}/crawl_jobs and GET /api/crawl_jobs/{id}
//     for job submission and lookup.
//   - /api/filter_sets and /api/filter_rules for editing and evaluating URL
//     prefix rules.
package api
