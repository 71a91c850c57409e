// Package record implements persistence for install records.
//
// FileRepository keeps every record in one YAML document on disk and
// serializes all access through a mutex, so concurrent pipelines finishing
// at the same time never interleave their writes. The document is replaced
// atomically (write to a temp file, then rename).
package record
