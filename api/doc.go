// Package api defines the HTTP request and response types of the ddrflow API.
//
// # API Overview
//
// ddrflow answers natural-language questions about Daily Drilling Reports:
//   - POST /api/v1/answer      ask a question, get a cited answer
//   - GET  /api/v1/stats       rate budget, index sizes and outcome counts
//   - GET  /api/v1/history     recent answers (when history is enabled)
//   - GET  /api/v1/history/{id}
//   - GET  /health, /healthz, /ready, /version
//
// Prometheus metrics are served on a separate port at /metrics.
//
// # Authentication
//
// When JWT is enabled every /api/v1 route expects a bearer token signed
// with HS256:
//
//	Authorization: Bearer <token>
//
// # Errors
//
// Failures use the same envelope as successes with success=false and an
// error object carrying one of the codes in package types, e.g.
// BUDGET_EXCEEDED (429), PROVIDER_FAILURE (502) or CANCELLED (504).
package api
