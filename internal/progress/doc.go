// Package progress provides the run counter service, the observer interface
// it reports through, and a non-blocking hub that batches observer events on
// a background goroutine and fans them out to sinks such as Prometheus
// metrics, structured logs, or the job record's log lines.
package progress
