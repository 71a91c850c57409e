// Package install contains the Record type: persisted evidence of a
// completed install, listing every file written so the package can later be
// upgraded or removed exactly.
package install
