// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/cache/stats, DELETE /v1/cache and DELETE /v1/cache/{key} for
//     cache inspection and invalidation.
//   - POST /v1/cache/key to derive the cache key of a resource.
//   - POST /v1/resolve to resolve one resource through the cache.
package api
