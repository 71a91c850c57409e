package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/oshokin/brewkit/internal/domain/install"
	"github.com/oshokin/brewkit/internal/domain/recipe"
	"github.com/oshokin/brewkit/internal/logger"
	"github.com/oshokin/brewkit/internal/repository/record"
	"github.com/oshokin/brewkit/internal/service/fetcher"
	"github.com/oshokin/brewkit/internal/service/verifier"
)

// Fetcher downloads a recipe's archive.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetcher.Archive, error)
}

// Verifier checks an archive against the recipe digest.
type Verifier interface {
	VerifyFile(path string, expected recipe.Digest) error
}

// Installer commits archive artifacts and removes recorded files.
type Installer interface {
	Install(ctx context.Context, archivePath string, steps []recipe.Step, destinationRoot string) (*install.Record, error)
	Remove(ctx context.Context, rec *install.Record, destinationRoot string) error
}

// Observer is told about every state a run enters.
type Observer func(name string, state State)

// Result is the single terminal outcome of one run.
type Result struct {
	// Recipe is the recipe name.
	Recipe string
	// RunID identifies the run in logs and in the install record.
	RunID string
	// State is StateDone or StateFailed.
	State State
	// Stage is the last stage entered: where the run failed, or StateDone.
	Stage State
	// Record is the committed (or, when Skipped, the existing) install record.
	Record *install.Record
	// Err is a *StageError when State is StateFailed.
	Err error
	// Skipped is true when the same version and digest were already installed.
	Skipped bool
}

// Orchestrator runs the fetch, verify and install sequence for recipes.
// A single Orchestrator may run many recipes concurrently.
type Orchestrator struct {
	// fetcher downloads archives.
	fetcher Fetcher
	// verifier checks archive digests.
	verifier Verifier
	// installer commits and removes files.
	installer Installer
	// store persists install records.
	store record.Repository
	// destination is the root with role subdirectories.
	destination string
	// cache holds verified archives by digest; nil disables caching.
	cache *fetcher.Cache
	// keepCache retains freshly verified archives in cache.
	keepCache bool
	// force reinstalls identical versions and permits downgrades.
	force bool
	// observer receives state transitions.
	observer Observer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDestination sets the destination root.
func WithDestination(root string) Option {
	return func(o *Orchestrator) {
		o.destination = root
	}
}

// WithCache looks archives up in cache before fetching.
func WithCache(cache *fetcher.Cache) Option {
	return func(o *Orchestrator) {
		o.cache = cache
	}
}

// WithKeepCache stores verified downloads in the cache after a run.
func WithKeepCache(keep bool) Option {
	return func(o *Orchestrator) {
		o.keepCache = keep
	}
}

// WithForce reinstalls identical versions and allows downgrades.
func WithForce(force bool) Option {
	return func(o *Orchestrator) {
		o.force = force
	}
}

// WithObserver registers a state observer. It may be called from several
// goroutines during RunAll.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// New creates an Orchestrator over its collaborators.
func New(f Fetcher, v Verifier, i Installer, store record.Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:   f,
		verifier:  v,
		installer: i,
		store:     store,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Destination returns the destination root.
func (o *Orchestrator) Destination() string {
	return o.destination
}

// run is the mutable state of one Run call.
type run struct {
	o      *Orchestrator
	ctx    context.Context //nolint:containedctx // scoped to a single Run call.
	result *Result
}

func (r *run) enter(state State) {
	r.result.Stage = state
	r.result.State = state

	logger.DebugKV(r.ctx, "Pipeline state changed", "state", state.String())

	if r.o.observer != nil {
		r.o.observer(r.result.Recipe, state)
	}
}

// checkpoint fails the run if the context is done.
func (r *run) checkpoint() bool {
	if err := r.ctx.Err(); err != nil {
		r.fail(err)
		return false
	}

	return true
}

func (r *run) fail(err error) *Result {
	r.result.Err = &StageError{Recipe: r.result.Recipe, Stage: r.result.Stage, Err: err}
	r.result.State = StateFailed

	logger.ErrorKV(r.ctx, "Pipeline failed", "stage", r.result.Stage.String(), "error", err)

	if r.o.observer != nil {
		r.o.observer(r.result.Recipe, StateFailed)
	}

	return r.result
}

// Run processes one recipe and returns its terminal result. It never panics
// on component errors; the failure is in Result.Err.
func (o *Orchestrator) Run(ctx context.Context, rcp *recipe.Recipe) *Result {
	result := &Result{RunID: uuid.NewString()}
	if rcp != nil {
		result.Recipe = rcp.Name
	}

	ctx = logger.WithKV(ctx, "recipe", result.Recipe, "run_id", result.RunID)
	r := &run{o: o, ctx: ctx, result: result}

	r.enter(StateLoaded)

	if err := rcp.Validate(); err != nil {
		return r.fail(err)
	}

	rcp = rcp.Clone()

	if !r.checkpoint() {
		return result
	}

	previous, err := o.installed(ctx, rcp.Name)
	if err != nil {
		return r.fail(err)
	}

	if previous != nil {
		skip, upgradeErr := o.compare(previous, rcp)
		if upgradeErr != nil {
			return r.fail(upgradeErr)
		}

		if skip {
			logger.InfoKV(ctx, "Already installed, skipping", "version", previous.Version)

			result.Record = previous
			result.Skipped = true
			r.enter(StateDone)

			return result
		}
	}

	archive, ok := r.obtain(rcp)
	if !ok {
		return result
	}

	defer func() {
		if closeErr := archive.Close(); closeErr != nil {
			logger.WarnKV(ctx, "Unable to discard archive", "error", closeErr)
		}
	}()

	if !r.checkpoint() {
		return result
	}

	r.enter(StateInstalling)

	installed, err := o.installer.Install(ctx, archive.Path, rcp.Steps, o.destination)
	if err != nil {
		return r.fail(err)
	}

	installed.Name = rcp.Name
	installed.Version = rcp.Version
	installed.Digest = rcp.Digest.String()
	installed.SourceURL = rcp.SourceURL
	installed.RunID = result.RunID

	// The files are committed; the record must follow even if ctx ends now.
	if err = o.store.Put(context.WithoutCancel(ctx), installed); err != nil {
		return r.fail(fmt.Errorf("%w: save record: %w", ErrStore, err))
	}

	o.transferOwnership(ctx, installed)

	if previous != nil {
		o.removeOrphans(ctx, previous, installed)
	}

	if o.keepCache && o.cache != nil && !archive.Cached() {
		if retainErr := archive.Retain(o.cache, rcp.Digest); retainErr != nil {
			logger.WarnKV(ctx, "Unable to cache archive", "error", retainErr)
		}
	}

	result.Record = installed
	r.enter(StateDone)

	logger.InfoKV(ctx, "Package installed", "version", rcp.Version, "files", len(installed.Files))

	return result
}

// obtain runs the Fetching and Verifying stages. A cache hit that fails
// verification is evicted and replaced by a fresh download.
func (r *run) obtain(rcp *recipe.Recipe) (*fetcher.Archive, bool) {
	if !r.checkpoint() {
		return nil, false
	}

	r.enter(StateFetching)

	archive, cached := r.o.cache.Lookup(rcp.Digest)
	if cached {
		logger.InfoKV(r.ctx, "Using cached archive", "path", archive.Path)
	} else {
		var err error

		if archive, err = r.o.fetcher.Fetch(r.ctx, rcp.SourceURL); err != nil {
			r.fail(err)
			return nil, false
		}
	}

	if !r.checkpoint() {
		_ = archive.Close()
		return nil, false
	}

	r.enter(StateVerifying)

	err := r.o.verifier.VerifyFile(archive.Path, rcp.Digest)
	if err == nil {
		return archive, true
	}

	if !cached || !errors.Is(err, verifier.ErrDigestMismatch) {
		// A mismatching download is never kept.
		_ = archive.Close()
		r.fail(err)

		return nil, false
	}

	logger.WarnKV(r.ctx, "Cached archive failed verification, downloading again", "error", err)

	if evictErr := r.o.cache.Evict(rcp.Digest); evictErr != nil {
		r.fail(evictErr)
		return nil, false
	}

	r.enter(StateFetching)

	archive, err = r.o.fetcher.Fetch(r.ctx, rcp.SourceURL)
	if err != nil {
		r.fail(err)
		return nil, false
	}

	if !r.checkpoint() {
		_ = archive.Close()
		return nil, false
	}

	r.enter(StateVerifying)

	if err = r.o.verifier.VerifyFile(archive.Path, rcp.Digest); err != nil {
		_ = archive.Close()
		r.fail(err)

		return nil, false
	}

	return archive, true
}

// installed returns the current record for name, or nil.
func (o *Orchestrator) installed(ctx context.Context, name string) (*install.Record, error) {
	previous, err := o.store.Get(ctx, name)
	if errors.Is(err, record.ErrNotFound) {
		return nil, nil //nolint:nilnil // not installed is not an error.
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load record: %w", ErrStore, err)
	}

	return previous, nil
}

// compare decides what to do when rcp is already installed: skip identical
// installs and refuse downgrades unless forced.
func (o *Orchestrator) compare(previous *install.Record, rcp *recipe.Recipe) (bool, error) {
	if o.force {
		return false, nil
	}

	if previous.Version == rcp.Version && previous.Digest == rcp.Digest.String() {
		return true, nil
	}

	if isDowngrade(previous.Version, rcp.Version) {
		return false, fmt.Errorf("%w: %s is installed, recipe has %s", ErrDowngrade, previous.Version, rcp.Version)
	}

	return false, nil
}

// isDowngrade reports whether candidate orders before installed. Versions
// that are not semantic versions are never considered downgrades.
func isDowngrade(installed, candidate string) bool {
	a, b := canonicalVersion(installed), canonicalVersion(candidate)
	if !semver.IsValid(a) || !semver.IsValid(b) {
		return false
	}

	return semver.Compare(b, a) < 0
}

func canonicalVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}

	return v
}

// removeOrphans deletes files of the previous install that the new one no
// longer ships. Failures are logged; the new install already stands.
func (o *Orchestrator) removeOrphans(ctx context.Context, previous, current *install.Record) {
	orphans := previous.Orphans(current)
	if len(orphans) == 0 {
		return
	}

	stale := &install.Record{Name: previous.Name, Version: previous.Version, Files: orphans}

	if err := o.installer.Remove(ctx, stale, o.destination); err != nil {
		logger.WarnKV(ctx, "Unable to remove files of the previous version", "error", err)
		return
	}

	logger.InfoKV(ctx, "Removed files of the previous version",
		"version", previous.Version, "files", len(orphans))
}

// transferOwnership drops files that current just overwrote from the records
// of other packages, so uninstalling those packages leaves them in place.
func (o *Orchestrator) transferOwnership(ctx context.Context, current *install.Record) {
	ctx = context.WithoutCancel(ctx)

	records, err := o.store.List(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Unable to check other packages for shared files", "error", err)
		return
	}

	for _, other := range records {
		if other.Name == current.Name {
			continue
		}

		kept := other.Orphans(current)
		if len(kept) == len(other.Files) {
			continue
		}

		logger.WarnKV(ctx, "Files of another package were replaced and now belong to this one",
			"owner", other.Name, "files", len(other.Files)-len(kept))

		other.Files = kept
		if err = o.store.Put(ctx, other); err != nil {
			logger.WarnKV(ctx, "Unable to update the record of another package", "owner", other.Name, "error", err)
		}
	}
}

// Uninstall removes the files of an installed package and forgets its record.
func (o *Orchestrator) Uninstall(ctx context.Context, name string) error {
	ctx = logger.WithKV(ctx, "recipe", name)

	current, err := o.installed(ctx, name)
	if err != nil {
		return err
	}

	if current == nil {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	if err = o.installer.Remove(ctx, current, o.destination); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}

	if err = o.store.Delete(context.WithoutCancel(ctx), name); err != nil {
		return fmt.Errorf("%w: delete record: %w", ErrStore, err)
	}

	logger.InfoKV(ctx, "Package uninstalled", "version", current.Version, "files", len(current.Files))

	return nil
}
