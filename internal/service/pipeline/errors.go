package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/brewkit/internal/domain/recipe"
	"github.com/oshokin/brewkit/internal/service/fetcher"
	"github.com/oshokin/brewkit/internal/service/installer"
	"github.com/oshokin/brewkit/internal/service/verifier"
)

var (
	// ErrStore wraps failures of the install record store.
	ErrStore = errors.New("install record store")
	// ErrDowngrade refuses replacing an installed version with an older one.
	ErrDowngrade = errors.New("refusing to downgrade")
	// ErrNotInstalled is returned when uninstalling an unknown package.
	ErrNotInstalled = errors.New("package is not installed")
	// ErrDuplicateRecipe rejects a batch naming the same recipe twice.
	ErrDuplicateRecipe = errors.New("recipe appears more than once in batch")
)

// StageError carries the stage a run failed at together with the original error.
type StageError struct {
	// Recipe is the name of the recipe being processed.
	Recipe string
	// Stage is the state the run was in when it failed.
	Stage State
	// Err is the component error, unchanged.
	Err error
}

// Error renders the recipe, stage and cause.
func (e *StageError) Error() string {
	if e.Recipe == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Recipe, e.Stage, e.Err)
}

// Unwrap returns the component error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Process exit codes by failure class.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitMalformedRecipe = 2
	ExitFetch           = 3
	ExitDigestMismatch  = 4
	ExitInstall         = 5
	ExitStore           = 6
	ExitCanceled        = 130
)

// ExitCode maps an error to the process exit status callers rely on to tell
// network, integrity and filesystem failures apart.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitCanceled
	case errors.Is(err, recipe.ErrMalformed):
		return ExitMalformedRecipe
	case errors.Is(err, fetcher.ErrFetch):
		return ExitFetch
	case errors.Is(err, verifier.ErrDigestMismatch):
		return ExitDigestMismatch
	case errors.Is(err, installer.ErrInstall):
		return ExitInstall
	case errors.Is(err, ErrStore):
		return ExitStore
	default:
		return ExitFailure
	}
}
