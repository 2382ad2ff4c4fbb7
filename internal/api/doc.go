// Package api hosts the HTTP surface of the service:
//   - POST / and POST /v1/jobs accept download jobs.
//   - GET /v1/jobs/{job_id} reports recorded job status.
//   - GET /email_callback redirects to a published archive and arms its
//     retention window.
//   - GET /healthz, /readyz, and /metrics for probes and scraping.
package api
