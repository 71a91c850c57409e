// Package packager drafts recipes for published archives.
//
// It downloads the archive, records its digest, and proposes an install step
// for every executable it finds. The resulting YAML is meant to be reviewed
// and committed next to the other recipes.
package packager
