// Package fetcher downloads recipe archives into scoped temporary files.
//
// Each attempt runs under its own timeout. Transient network failures are
// retried with exponential backoff up to a configured bound; HTTP status
// failures are permanent and surface immediately. Redirects are followed up
// to a fixed limit. Verified archives can be retained in a content-addressed
// Cache keyed by digest.
package fetcher
