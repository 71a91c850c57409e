package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/brewkit/internal/config"
	"github.com/oshokin/brewkit/internal/domain/install"
	"github.com/oshokin/brewkit/internal/domain/recipe"
	"github.com/oshokin/brewkit/internal/logger"
)

// Installer places archive artifacts into a destination root.
type Installer struct {
	// workDir holds per-install extraction directories ("" means the OS temp dir).
	workDir string
	// processCheck enables the running-executable warning before commit.
	processCheck bool
	// now stamps install records.
	now func() time.Time
}

// Option configures an Installer.
type Option func(*Installer)

// WithWorkDir places extraction directories under dir.
func WithWorkDir(dir string) Option {
	return func(i *Installer) {
		i.workDir = dir
	}
}

// WithProcessCheck toggles the warning about running executables that an
// install is about to replace.
func WithProcessCheck(enabled bool) Option {
	return func(i *Installer) {
		i.processCheck = enabled
	}
}

// WithClock overrides the time source for install records.
func WithClock(now func() time.Time) Option {
	return func(i *Installer) {
		if now != nil {
			i.now = now
		}
	}
}

// New creates an Installer.
func New(opts ...Option) *Installer {
	i := &Installer{
		processCheck: true,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Install extracts the archive, resolves every step, and commits the
// resulting files under destinationRoot. On any error destinationRoot is
// left as it was. The returned record lists files in step order; Name,
// Version and Digest are left for the caller.
func (i *Installer) Install(
	ctx context.Context,
	archivePath string,
	steps []recipe.Step,
	destinationRoot string,
) (*install.Record, error) {
	if len(steps) == 0 {
		return nil, &InstallError{Kind: KindMissingArtifact, Err: errNoSteps}
	}

	root, err := filepath.Abs(destinationRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve destination root: %w", err)
	}

	extractRoot, err := os.MkdirTemp(i.workDir, "brewkit-extract-"+uuid.NewString()+"-")
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	defer func() {
		if removeErr := os.RemoveAll(extractRoot); removeErr != nil {
			logger.WarnKV(ctx, "Unable to remove work directory", "path", extractRoot, "error", removeErr)
		}
	}()

	if err = Extract(ctx, archivePath, extractRoot); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, &InstallError{Kind: KindExtract, Path: archivePath, Err: err}
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	placements, err := plan(extractRoot, steps, root)
	if err != nil {
		return nil, err
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	tx := newTransaction(ctx)

	if err = tx.prepare(placements); err != nil {
		tx.rollback()
		return nil, err
	}

	if i.processCheck {
		warnRunning(ctx, placements)
	}

	if err = ctx.Err(); err != nil {
		tx.rollback()
		return nil, err
	}

	if err = tx.commit(ctx, placements); err != nil {
		tx.rollback()
		return nil, err
	}

	tx.finish()

	files := make([]string, 0, len(placements))
	for _, p := range placements {
		files = append(files, p.dst)
	}

	logger.InfoKV(ctx, "Artifacts installed", "root", root, "files", len(files))

	return &install.Record{
		InstalledAt: i.now().UTC(),
		Files:       files,
	}, nil
}

// Remove deletes every file of record, ignoring files already gone, and then
// prunes directories below destinationRoot that the removal left empty.
func (i *Installer) Remove(ctx context.Context, record *install.Record, destinationRoot string) error {
	if record == nil {
		return nil
	}

	root, err := filepath.Abs(destinationRoot)
	if err != nil {
		return fmt.Errorf("resolve destination root: %w", err)
	}

	var errs []error

	dirs := make([]string, 0, len(record.Files))

	for _, file := range record.Files {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fsError(KindCommit, file, err))
			continue
		}

		dirs = append(dirs, filepath.Dir(file))
	}

	pruneEmpty(root, dirs)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.InfoKV(ctx, "Artifacts removed", "package", record.Name, "files", len(record.Files))

	return nil
}

// pruneEmpty removes directories left empty, never touching root itself or
// anything outside it. Every ancestor is tried after all of its descendants.
func pruneEmpty(root string, dirs []string) {
	candidates := make(map[string]struct{}, len(dirs))

	for _, dir := range dirs {
		for ; dir != root && within(root, dir); dir = filepath.Dir(dir) {
			if _, ok := candidates[dir]; ok {
				break
			}

			candidates[dir] = struct{}{}
		}
	}

	ordered := slices.Collect(maps.Keys(candidates))
	slices.SortFunc(ordered, func(a, b string) int {
		return depth(b) - depth(a)
	})

	for _, dir := range ordered {
		// Non-empty directories stay.
		_ = os.Remove(dir)
	}
}

func depth(dir string) int {
	return strings.Count(dir, string(filepath.Separator))
}

// placement is one staged file and where it goes.
type placement struct {
	// src is the file inside the extraction root.
	src string
	// dst is the absolute destination path.
	dst string
	// mode is the permission set the destination gets.
	mode fs.FileMode
	// executable marks files of executable roles.
	executable bool
}

// plan resolves every step against the extracted tree. It touches nothing
// under root.
func plan(extractRoot string, steps []recipe.Step, root string) ([]placement, error) {
	resolvedRoot, err := filepath.EvalSymlinks(extractRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve work directory: %w", err)
	}

	var (
		placements []placement
		seen       = make(map[string]string, len(steps))
	)

	for _, step := range steps {
		source := step.Source(resolvedRoot)

		info, statErr := os.Stat(source)
		if statErr != nil {
			return nil, &InstallError{Kind: KindMissingArtifact, Path: step.From, Err: statErr}
		}

		if err = contained(resolvedRoot, source, step.From); err != nil {
			return nil, err
		}

		destination := step.Destination(root)

		var stepPlacements []placement

		if info.IsDir() {
			stepPlacements, err = planTree(resolvedRoot, source, destination, step)
		} else {
			stepPlacements = []placement{newPlacement(source, destination, info.Mode(), step.To)}
		}

		if err != nil {
			return nil, err
		}

		for _, p := range stepPlacements {
			if owner, dup := seen[p.dst]; dup {
				return nil, &InstallError{
					Kind: KindCommit,
					Path: p.dst,
					Err:  fmt.Errorf("%w: %s and %s", errConflictingTarget, owner, step.From),
				}
			}

			seen[p.dst] = step.From
		}

		placements = append(placements, stepPlacements...)
	}

	return placements, nil
}

// planTree expands a directory source into one placement per regular file.
func planTree(resolvedRoot, source, destination string, step recipe.Step) ([]placement, error) {
	var placements []placement

	err := filepath.WalkDir(source, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if entry.IsDir() {
			return nil
		}

		info, err := os.Stat(current)
		if err != nil {
			return &InstallError{Kind: KindMissingArtifact, Path: step.From, Err: err}
		}

		// Symlinked directories are not descended into.
		if !info.Mode().IsRegular() {
			return nil
		}

		if err = contained(resolvedRoot, current, step.From); err != nil {
			return err
		}

		rel, err := filepath.Rel(source, current)
		if err != nil {
			return err
		}

		placements = append(placements, newPlacement(current, filepath.Join(destination, rel), info.Mode(), step.To))

		return nil
	})
	if err != nil {
		var installErr *InstallError
		if errors.As(err, &installErr) {
			return nil, installErr
		}

		return nil, &InstallError{Kind: KindExtract, Path: step.From, Err: err}
	}

	if len(placements) == 0 {
		return nil, &InstallError{Kind: KindMissingArtifact, Path: step.From, Err: errEmptyDirectory}
	}

	return placements, nil
}

// contained rejects sources whose symlinks resolve outside the work directory.
func contained(resolvedRoot, source, from string) error {
	resolved, err := filepath.EvalSymlinks(source)
	if err != nil {
		return &InstallError{Kind: KindMissingArtifact, Path: from, Err: err}
	}

	if !within(resolvedRoot, resolved) {
		return &InstallError{Kind: KindExtract, Path: from, Err: ErrUnsafePath}
	}

	return nil
}

func newPlacement(src, dst string, mode fs.FileMode, role recipe.Role) placement {
	perm := mode.Perm() | 0o600
	if role.Executable() {
		perm |= 0o111
	}

	return placement{
		src:        src,
		dst:        dst,
		mode:       perm,
		executable: role.Executable(),
	}
}

// ensureDir creates dir and its missing parents, returning the directories
// it created outermost first.
func ensureDir(dir string) ([]string, error) {
	var missing []string

	for probe := dir; ; probe = filepath.Dir(probe) {
		info, err := os.Stat(probe)
		if err == nil {
			if !info.IsDir() {
				return nil, fmt.Errorf("%s: %w", probe, fs.ErrExist)
			}

			break
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}

		missing = append(missing, probe)

		if filepath.Dir(probe) == probe {
			break
		}
	}

	created := make([]string, 0, len(missing))

	for idx := len(missing) - 1; idx >= 0; idx-- {
		err := os.Mkdir(missing[idx], config.DefaultDirPermissions)
		if errors.Is(err, fs.ErrExist) {
			continue
		}

		if err != nil {
			return created, err
		}

		created = append(created, missing[idx])
	}

	return created, nil
}
