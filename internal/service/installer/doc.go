// Package installer extracts verified archives into an isolated work
// directory and commits the artifacts named by install steps into a
// destination root, all or nothing.
package installer
