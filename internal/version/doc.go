// Package version exposes build metadata for brewkit.
//
// Version, Commit, and BuildTime are injected via ldflags. The version also
// feeds the User-Agent the fetcher sends to download servers.
package version
