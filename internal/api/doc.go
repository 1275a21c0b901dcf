// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/targets/... to save, check and delete monitored targets.
//   - GET /v1/targets/{target_id}/changes, /v1/crawls/{session_id} and
//     /v1/alerts for reading pipeline output.
//   - POST /api/webhook-proxy, the same-origin relay used to deliver webhooks
//     to local and private hosts.
//
// Every /v1 route is scoped to the owner named by the X-Owner-ID header.
package api
