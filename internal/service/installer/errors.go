package installer

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Kind classifies an install failure.
type Kind int

// Install failure kinds.
const (
	// KindExtract means the archive could not be unpacked.
	KindExtract Kind = iota + 1
	// KindMissingArtifact means a step's source path is absent from the archive.
	KindMissingArtifact
	// KindWriteDenied means the destination is not writable.
	KindWriteDenied
	// KindCommit means moving staged files into place failed.
	KindCommit
)

// String names the kind.
func (k Kind) String() string {
	switch k {
	case KindExtract:
		return "extract"
	case KindMissingArtifact:
		return "missing artifact"
	case KindWriteDenied:
		return "write denied"
	case KindCommit:
		return "commit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrInstall classifies every *InstallError.
	ErrInstall = errors.New("install failed")
	// ErrMissingArtifact matches install errors of KindMissingArtifact.
	ErrMissingArtifact = errors.New("artifact missing from archive")
	// ErrWriteDenied matches install errors of KindWriteDenied.
	ErrWriteDenied = errors.New("destination not writable")
	// ErrExtract matches install errors of KindExtract.
	ErrExtract = errors.New("archive extraction failed")
	// ErrUnknownFormat is returned for archives of an unrecognized format.
	ErrUnknownFormat = errors.New("unknown archive format")
	// ErrUnsafePath is returned for archive entries escaping the extraction root.
	ErrUnsafePath = errors.New("archive entry escapes extraction root")

	errNoSteps           = errors.New("no install steps")
	errEmptyDirectory    = errors.New("directory has no files")
	errEntryTooLarge     = errors.New("archive entry exceeds size limit")
	errDestinationIsDir  = errors.New("destination is a directory")
	errConflictingTarget = errors.New("two artifacts share a destination")
)

// InstallError describes why an install did not commit.
type InstallError struct {
	// Kind classifies the failure.
	Kind Kind
	// Path is the archive path (missing artifact) or filesystem path involved.
	Path string
	// Err is the underlying error.
	Err error
}

// Error renders the failure with its path.
func (e *InstallError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("install: %s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("install: %s %q: %v", e.Kind, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *InstallError) Unwrap() error {
	return e.Err
}

// Is matches ErrInstall and the sentinel of the error's kind.
func (e *InstallError) Is(target error) bool {
	switch target {
	case ErrInstall:
		return true
	case ErrMissingArtifact:
		return e.Kind == KindMissingArtifact
	case ErrWriteDenied:
		return e.Kind == KindWriteDenied
	case ErrExtract:
		return e.Kind == KindExtract
	default:
		return false
	}
}

// fsError classifies a filesystem failure on path as write-denied or fallback.
func fsError(fallback Kind, path string, err error) *InstallError {
	if isPermission(err) {
		return &InstallError{Kind: KindWriteDenied, Path: path, Err: err}
	}

	return &InstallError{Kind: fallback, Path: path, Err: err}
}

func isPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EROFS)
}
