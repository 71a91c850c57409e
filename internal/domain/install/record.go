package install

import (
	"slices"
	"time"
)

// Record describes one installed package.
type Record struct {
	// Name is the recipe name.
	Name string `yaml:"name"`
	// Version is the installed recipe version.
	Version string `yaml:"version"`
	// Digest is the verified archive digest in "algorithm:hex" form.
	Digest string `yaml:"digest"`
	// SourceURL is where the archive was fetched from.
	SourceURL string `yaml:"url"`
	// InstalledAt is when the install was committed (UTC).
	InstalledAt time.Time `yaml:"installed_at"`
	// Files are the absolute destination paths written, in install order.
	Files []string `yaml:"files"`
	// RunID identifies the pipeline run that produced the record.
	RunID string `yaml:"run_id,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	cloned := *r
	cloned.Files = slices.Clone(r.Files)

	return &cloned
}

// Owns reports whether path is one of the record's files.
func (r *Record) Owns(path string) bool {
	return slices.Contains(r.Files, path)
}

// Orphans returns files of r that newer does not install, in r's order.
// They are what an upgrade from r to newer must remove.
func (r *Record) Orphans(newer *Record) []string {
	if r == nil {
		return nil
	}

	var orphans []string

	for _, file := range r.Files {
		if newer == nil || !newer.Owns(file) {
			orphans = append(orphans, file)
		}
	}

	return orphans
}
