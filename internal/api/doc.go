// Package api hosts the HTTP job control surface. Routes:
//   - POST /v1/jobs creates a crawl job and wakes the dispatcher.
//   - GET /v1/jobs lists jobs newest first (limit, offset).
//   - GET /v1/jobs/{job_id} and /v1/jobs/{job_id}/result accept a ttl in
//     milliseconds, capped at the server maximum, and return a poll interval
//     hint. The result route answers 202 until the job is terminal.
//   - POST /v1/jobs/{job_id}/cancel flips a non-terminal job to cancelled.
//   - GET /healthz and GET /metrics for probes and Prometheus scraping.
package api
