package recipe

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// nameRe restricts recipe names to something safe for file names and store keys.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+@-]*$`)

// SupportedSchemes lists the transports the fetcher implements.
func SupportedSchemes() []string {
	return []string{"https", "http"}
}

// Recipe describes one versioned, prebuilt package.
// Treat a loaded Recipe as read-only; Clone before changing it.
type Recipe struct {
	// Name identifies the recipe within a package set.
	Name string `yaml:"name"`
	// Version is a semantic or free-form version string.
	Version string `yaml:"version"`
	// Description is display-only.
	Description string `yaml:"description,omitempty"`
	// Homepage is display-only.
	Homepage string `yaml:"homepage,omitempty"`
	// SourceURL is the location of the distributable archive.
	SourceURL string `yaml:"url"`
	// Digest is the expected hash of the archive bytes.
	Digest Digest `yaml:"digest"`
	// Steps is the ordered list of artifacts to install.
	Steps []Step `yaml:"install"`
	// BuildDependencies names recipes needed only while installing.
	BuildDependencies []string `yaml:"build_dependencies,omitempty"`
}

// Clone returns a deep copy of the recipe.
func (r *Recipe) Clone() *Recipe {
	if r == nil {
		return nil
	}

	cloned := *r
	cloned.Steps = slices.Clone(r.Steps)
	cloned.BuildDependencies = slices.Clone(r.BuildDependencies)

	return &cloned
}

// Validate checks every invariant a recipe must hold before the pipeline runs.
// Failures are *MalformedError values.
func (r *Recipe) Validate() error {
	if r == nil {
		return malformed("", "", "recipe is nil")
	}

	if err := r.validateIdentity(); err != nil {
		return err
	}

	if err := r.validateSource(); err != nil {
		return err
	}

	return r.validateSteps()
}

func (r *Recipe) validateIdentity() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return malformed(r.Name, "name", "required field is missing")
	case !nameRe.MatchString(r.Name):
		return malformed(r.Name, "name", "must start with a letter or digit and contain only [A-Za-z0-9._+@-]")
	case strings.TrimSpace(r.Version) == "":
		return malformed(r.Name, "version", "required field is missing")
	}

	for _, dep := range r.BuildDependencies {
		if !nameRe.MatchString(dep) {
			return malformed(r.Name, "build_dependencies", fmt.Sprintf("invalid recipe name %q", dep))
		}
	}

	return nil
}

func (r *Recipe) validateSource() error {
	if strings.TrimSpace(r.SourceURL) == "" {
		return malformed(r.Name, "url", "required field is missing")
	}

	u, err := url.Parse(r.SourceURL)
	if err != nil {
		return &MalformedError{Recipe: r.Name, Field: "url", Reason: "not parseable", Err: err}
	}

	if !slices.Contains(SupportedSchemes(), strings.ToLower(u.Scheme)) {
		return malformed(r.Name, "url", fmt.Sprintf("unsupported transport %q", u.Scheme))
	}

	if u.Host == "" {
		return malformed(r.Name, "url", "host is missing")
	}

	if err = r.Digest.Validate(); err != nil {
		return &MalformedError{Recipe: r.Name, Field: "digest", Reason: "invalid", Err: err}
	}

	return nil
}

func (r *Recipe) validateSteps() error {
	if len(r.Steps) == 0 {
		return malformed(r.Name, "install", "at least one install step is required")
	}

	// Two steps may not claim the same destination, otherwise the record
	// could not describe what was installed.
	seen := make(map[string]int, len(r.Steps))

	for i, step := range r.Steps {
		if field, reason := step.validate(); field != "" {
			return malformed(r.Name, fmt.Sprintf("install[%d].%s", i, field), reason)
		}

		destination := step.Destination("")
		if prev, dup := seen[destination]; dup {
			return malformed(r.Name, fmt.Sprintf("install[%d]", i),
				fmt.Sprintf("destination %s already used by install[%d]", destination, prev))
		}

		seen[destination] = i
	}

	return nil
}

// String renders "name version".
func (r *Recipe) String() string {
	return r.Name + " " + r.Version
}
