// Package recipe contains the declarative description of one prebuilt
// package: where its archive lives, the digest it must match, and which
// artifacts of the archive are installed into which destination roles.
//
// A Recipe is plain data. Parse and Load validate the document against an
// embedded JSON Schema before decoding it, then Validate checks the
// semantic invariants. Behavior lives in the services that consume it.
package recipe
