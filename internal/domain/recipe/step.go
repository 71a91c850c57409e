package recipe

import (
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// Role is a logical install target mapped to a directory under the prefix.
type Role string

// Known destination roles.
const (
	RoleBin     Role = "bin"
	RoleSbin    Role = "sbin"
	RoleLib     Role = "lib"
	RoleLibexec Role = "libexec"
	RoleInclude Role = "include"
	RoleShare   Role = "share"
	RoleEtc     Role = "etc"
	RoleMan     Role = "man"
)

// Roles returns every known role.
func Roles() []Role {
	return []Role{RoleBin, RoleSbin, RoleLib, RoleLibexec, RoleInclude, RoleShare, RoleEtc, RoleMan}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return slices.Contains(Roles(), r)
}

// Dir is the role's directory relative to the prefix.
func (r Role) Dir() string {
	if r == RoleMan {
		return filepath.Join("share", "man")
	}

	return string(r)
}

// Executable reports whether files installed for this role must be runnable.
func (r Role) Executable() bool {
	switch r {
	case RoleBin, RoleSbin, RoleLibexec:
		return true
	default:
		return false
	}
}

// Step copies one artifact of the extracted archive into a destination role.
type Step struct {
	// From is the slash-separated path inside the archive.
	From string `yaml:"from"`
	// To is the destination role.
	To Role `yaml:"to"`
	// As renames the artifact; defaults to the base name of From.
	As string `yaml:"as,omitempty"`
}

// Name is the file or directory name the artifact gets under its role directory.
func (s Step) Name() string {
	if s.As != "" {
		return s.As
	}

	return path.Base(path.Clean(s.From))
}

// Source resolves From inside an extraction root.
func (s Step) Source(extractRoot string) string {
	return filepath.Join(extractRoot, filepath.FromSlash(path.Clean(s.From)))
}

// Destination is the absolute install path of the artifact under root.
func (s Step) Destination(root string) string {
	return filepath.Join(root, s.To.Dir(), s.Name())
}

// validate returns the field-level failure of the step, if any.
func (s Step) validate() (string, string) {
	from := strings.TrimSpace(s.From)

	switch {
	case from == "":
		return "from", "source path is empty"
	case path.IsAbs(from) || filepath.IsAbs(from):
		return "from", "source path must be relative to the archive root"
	case path.Clean(from) == "." || path.Clean(from) == ".." || strings.HasPrefix(path.Clean(from), "../"):
		return "from", "source path escapes the archive root"
	case !s.To.Valid():
		return "to", "unknown destination role " + string(s.To)
	case s.As != "" && (strings.ContainsAny(s.As, `/\`) || s.As == "." || s.As == ".."):
		return "as", "target name must be a plain file name"
	}

	return "", ""
}
