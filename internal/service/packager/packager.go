package packager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/oshokin/brewkit/internal/config"
	"github.com/oshokin/brewkit/internal/domain/recipe"
	"github.com/oshokin/brewkit/internal/logger"
	"github.com/oshokin/brewkit/internal/service/fetcher"
	"github.com/oshokin/brewkit/internal/service/installer"
	"github.com/oshokin/brewkit/internal/service/verifier"
)

// RecipeFileMode is the permission of written recipe files.
const RecipeFileMode os.FileMode = 0o644

var (
	errNoURL         = errors.New("archive url is required")
	errNoExecutables = errors.New("archive contains no executable files")
	errNoVersion     = errors.New("version cannot be derived from the archive name")
	errRecipeExists  = errors.New("recipe file already exists")
)

// archiveExtensions are stripped from archive names, longest first.
var archiveExtensions = []string{".tar.gz", ".tar.zst", ".tar.xz", ".tgz", ".tzst", ".txz", ".tar", ".zip"}

// nameVersionRe splits "tool-1.2.3-linux-amd64" into name and version.
var nameVersionRe = regexp.MustCompile(`^(.+?)[-_]v?(\d+(?:\.\d+)+)(?:[-_].*)?$`)

// Fetcher downloads the archive to describe.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetcher.Archive, error)
}

// Options are inputs accepted by Scaffold.
type Options struct {
	// URL is the archive location.
	URL string
	// Name overrides the recipe name derived from the archive name.
	Name string
	// Version overrides the version derived from the archive name.
	Version string
	// Algorithm selects the digest algorithm (sha256 when empty).
	Algorithm string
	// Description is copied into the recipe.
	Description string
	// Homepage is copied into the recipe.
	Homepage string
	// WorkDir holds the temporary extraction ("" means the OS temp dir).
	WorkDir string
}

// Scaffold downloads opts.URL and drafts a recipe for it.
func Scaffold(ctx context.Context, f Fetcher, opts *Options) (*recipe.Recipe, error) {
	ctx = logger.WithName(ctx, "packager")

	if opts == nil || strings.TrimSpace(opts.URL) == "" {
		return nil, errNoURL
	}

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = recipe.AlgorithmSHA256
	}

	archive, err := f.Fetch(ctx, opts.URL)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = archive.Close()
	}()

	digest, err := verifier.SumFile(archive.Path, algorithm)
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	logger.InfoKV(ctx, "Computed archive digest", "digest", digest.String())

	steps, err := executableSteps(ctx, archive.Path, opts.WorkDir)
	if err != nil {
		return nil, err
	}

	name, version := splitArchiveName(archive.Name)
	if opts.Name != "" {
		name = opts.Name
	}

	if opts.Version != "" {
		version = opts.Version
	}

	if version == "" {
		return nil, fmt.Errorf("%w: %q (pass a version)", errNoVersion, archive.Name)
	}

	draft := &recipe.Recipe{
		Name:        name,
		Version:     version,
		Description: opts.Description,
		Homepage:    opts.Homepage,
		SourceURL:   opts.URL,
		Digest:      digest,
		Steps:       steps,
	}

	if err = draft.Validate(); err != nil {
		return nil, err
	}

	return draft, nil
}

// executableSteps extracts the archive and proposes a bin step for every
// executable regular file. Names already taken by an earlier file are skipped.
func executableSteps(ctx context.Context, archivePath, workDir string) ([]recipe.Step, error) {
	extractRoot, err := os.MkdirTemp(workDir, "brewkit-scaffold-")
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	defer func() {
		_ = os.RemoveAll(extractRoot)
	}()

	if err = installer.Extract(ctx, archivePath, extractRoot); err != nil {
		return nil, fmt.Errorf("extract archive: %w", err)
	}

	var (
		steps []recipe.Step
		names = make(map[string]struct{})
	)

	err = filepath.WalkDir(extractRoot, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if !entry.Type().IsRegular() {
			return nil
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			return infoErr
		}

		if info.Mode().Perm()&0o111 == 0 {
			return nil
		}

		rel, relErr := filepath.Rel(extractRoot, current)
		if relErr != nil {
			return relErr
		}

		step := recipe.Step{From: filepath.ToSlash(rel), To: recipe.RoleBin}
		if _, taken := names[step.Name()]; taken {
			logger.WarnKV(ctx, "Skipping executable with a duplicate name", "path", step.From)
			return nil
		}

		names[step.Name()] = struct{}{}
		steps = append(steps, step)

		logger.DebugKV(ctx, "Found executable", "path", step.From)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}

	if len(steps) == 0 {
		return nil, errNoExecutables
	}

	return steps, nil
}

// splitArchiveName derives name and version from an archive file name such
// as "tool-1.2.3-linux-amd64.tar.gz". The version is empty when none is found.
func splitArchiveName(archiveName string) (string, string) {
	stem := path.Base(archiveName)

	lower := strings.ToLower(stem)
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(lower, ext) {
			stem = stem[:len(stem)-len(ext)]
			break
		}
	}

	if match := nameVersionRe.FindStringSubmatch(stem); match != nil {
		return match[1], match[2]
	}

	return stem, ""
}

// Write saves r as YAML at path. An existing file is replaced only when
// overwrite is set.
func Write(filePath string, r *recipe.Recipe, overwrite bool) error {
	data, err := recipe.Marshal(r)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(filePath); dir != "." {
		if err = os.MkdirAll(dir, config.DefaultDirPermissions); err != nil {
			return fmt.Errorf("create recipe directory: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}

	file, err := os.OpenFile(filepath.Clean(filePath), flags, RecipeFileMode)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", errRecipeExists, filePath)
	}

	if err != nil {
		return fmt.Errorf("create recipe file: %w", err)
	}

	if _, err = file.Write(data); err != nil {
		_ = file.Close()

		return fmt.Errorf("write recipe file: %w", err)
	}

	if err = file.Close(); err != nil {
		return fmt.Errorf("close recipe file: %w", err)
	}

	return nil
}
