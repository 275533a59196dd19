// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to start a crawl in the background, GET /v1/crawls/current
//     for its progress.
//   - GET /v1/persons/{person_id}/collaborators and
//     /v1/artists/{mbid}/collaborators for collaboration queries.
package api
