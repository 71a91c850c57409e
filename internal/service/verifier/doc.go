// Package verifier checks fetched archive bytes against the digest a recipe
// records. It dispatches on the digest's explicit algorithm tag, so legacy
// and newer recipes can use different hash functions side by side.
package verifier
