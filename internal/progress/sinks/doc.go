// Package sinks implements concrete progress consumers: Prometheus gauges,
// structured zap logging, and a job-log sink that appends user-facing lines
// to the job record. Each sink satisfies progress.Sink and is safe for
// repeated Consume/Close cycles.
package sinks
