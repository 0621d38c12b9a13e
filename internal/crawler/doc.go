// Package crawler holds the domain types, collaborator interfaces, error
// taxonomy, URL normalization and retry helpers shared by the frontier, the
// worker pool, the image pipeline, finalize and the job lifecycle.
package crawler
