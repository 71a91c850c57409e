package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/oshokin/brewkit/internal/config"
	"github.com/oshokin/brewkit/internal/domain/recipe"
	"github.com/oshokin/brewkit/internal/logger"
	"github.com/oshokin/brewkit/internal/repository/record"
	"github.com/oshokin/brewkit/internal/service/fetcher"
	"github.com/oshokin/brewkit/internal/service/installer"
	"github.com/oshokin/brewkit/internal/service/packager"
	"github.com/oshokin/brewkit/internal/service/pipeline"
	"github.com/oshokin/brewkit/internal/service/verifier"
)

// Options are the settings shared by every command.
type Options struct {
	// ConfigPath is the settings file ("" means the XDG default).
	ConfigPath string
	// Prefix overrides the configured destination root.
	Prefix string
	// LogLevel overrides the configured log level.
	LogLevel string
	// Output receives human-readable results (stdout when nil).
	Output io.Writer
	// Progress receives stage lines and download progress bars; nil disables them.
	Progress io.Writer
}

// InstallOptions are inputs of Install.
type InstallOptions struct {
	Options

	// RecipePaths lists the recipe files to install.
	RecipePaths []string
	// Force reinstalls identical versions and allows downgrades.
	Force bool
}

// CreateOptions are inputs of Create.
type CreateOptions struct {
	Options

	// Draft describes the archive and recipe overrides.
	Draft packager.Options
	// OutputPath is where the recipe is written; "-" or "" prints it.
	OutputPath string
	// Overwrite replaces an existing recipe file.
	Overwrite bool
}

var errNoRecipes = errors.New("no recipes given")

// environment is everything a command needs, built from settings.
type environment struct {
	cfg    *config.Config
	out    io.Writer
	store  *record.FileRepository
	fetchr *fetcher.Fetcher

	// statusMu serializes stage lines of concurrent runs.
	statusMu sync.Mutex
	status   io.Writer
}

// newEnvironment loads settings and builds the shared components. Progress
// bars are drawn only when bars is set.
func newEnvironment(opts *Options, bars bool) (*environment, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.Prefix != "" {
		cfg.Prefix = opts.Prefix
		if err = config.Validate(cfg); err != nil {
			return nil, err
		}
	}

	level := cfg.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}

	if err = logger.Configure(level); err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	fetcherOptions := []fetcher.Option{
		fetcher.WithTimeout(cfg.Timeout),
		fetcher.WithMaxRetries(cfg.MaxRetries),
		fetcher.WithBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		fetcher.WithMaxRedirects(cfg.MaxRedirects),
		fetcher.WithWorkDir(cfg.WorkDir),
	}

	if bars && opts.Progress != nil {
		fetcherOptions = append(fetcherOptions, fetcher.WithProgress(opts.Progress))
	}

	return &environment{
		cfg:    cfg,
		out:    out,
		store:  record.NewFileRepository(cfg.StoreFile),
		fetchr: fetcher.New(fetcherOptions...),
		status: opts.Progress,
	}, nil
}

func (e *environment) orchestrator(force bool) *pipeline.Orchestrator {
	return pipeline.New(
		e.fetchr,
		verifier.NewVerifier(e.cfg.DigestAlgorithms...),
		installer.New(installer.WithWorkDir(e.cfg.WorkDir)),
		e.store,
		pipeline.WithDestination(e.cfg.Prefix),
		pipeline.WithCache(fetcher.NewCache(e.cfg.CacheDir)),
		pipeline.WithKeepCache(e.cfg.KeepCache),
		pipeline.WithForce(force),
		pipeline.WithObserver(e.printStage),
	)
}

// printStage writes a line for every stage a run starts.
func (e *environment) printStage(name string, state pipeline.State) {
	if e.status == nil || state == pipeline.StateLoaded || state.Terminal() {
		return
	}

	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	_, _ = fmt.Fprintf(e.status, "==> %s: %s\n", name, state)
}

// Install loads every recipe and installs them concurrently. It returns the
// first failure so the exit code reflects its class.
func Install(ctx context.Context, opts *InstallOptions) error {
	ctx = logger.WithName(ctx, "install")

	if len(opts.RecipePaths) == 0 {
		return errNoRecipes
	}

	// Bars from parallel downloads would interleave.
	env, err := newEnvironment(&opts.Options, len(opts.RecipePaths) == 1)
	if err != nil {
		return err
	}

	recipes := make([]*recipe.Recipe, 0, len(opts.RecipePaths))

	for _, path := range opts.RecipePaths {
		rcp, loadErr := recipe.Load(path)
		if loadErr != nil {
			return loadErr
		}

		if len(rcp.BuildDependencies) > 0 {
			logger.InfoKV(ctx, "Recipe declares build dependencies; they are not resolved",
				"recipe", rcp.Name, "dependencies", strings.Join(rcp.BuildDependencies, ", "))
		}

		recipes = append(recipes, rcp)
	}

	results := env.orchestrator(opts.Force).RunAll(ctx, recipes, env.cfg.Parallelism)

	var firstErr error

	for _, result := range results {
		env.report(result)

		if result.Err != nil && firstErr == nil {
			firstErr = result.Err
		}
	}

	return firstErr
}

// report prints one line per run.
func (e *environment) report(result *pipeline.Result) {
	switch {
	case result.Err != nil:
		_, _ = fmt.Fprintf(e.out, "%s: failed: %v\n", result.Recipe, result.Err)
	case result.Skipped:
		_, _ = fmt.Fprintf(e.out, "%s %s: already installed\n", result.Recipe, result.Record.Version)
	default:
		_, _ = fmt.Fprintf(e.out, "%s %s: installed %d file(s)\n",
			result.Recipe, result.Record.Version, len(result.Record.Files))

		for _, file := range result.Record.Files {
			_, _ = fmt.Fprintf(e.out, "  %s\n", file)
		}
	}
}

// Uninstall removes the named packages one after another.
func Uninstall(ctx context.Context, opts *Options, names ...string) error {
	ctx = logger.WithName(ctx, "uninstall")

	env, err := newEnvironment(opts, false)
	if err != nil {
		return err
	}

	orchestrator := env.orchestrator(false)

	for _, name := range names {
		if err = orchestrator.Uninstall(ctx, name); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(env.out, "%s: uninstalled\n", name)
	}

	return nil
}

// List prints installed packages as a table.
func List(ctx context.Context, opts *Options) error {
	env, err := newEnvironment(opts, false)
	if err != nil {
		return err
	}

	records, err := env.store.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrStore, err)
	}

	writer := tabwriter.NewWriter(env.out, 0, 0, 2, ' ', 0) //nolint:mnd // column padding.
	_, _ = fmt.Fprintln(writer, "NAME\tVERSION\tINSTALLED\tFILES\tDIGEST")

	for _, rec := range records {
		_, _ = fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n",
			rec.Name, rec.Version, rec.InstalledAt.Local().Format(time.DateTime), len(rec.Files), rec.Digest)
	}

	return writer.Flush()
}

// Create drafts a recipe for an archive URL and writes or prints it.
func Create(ctx context.Context, opts *CreateOptions) error {
	env, err := newEnvironment(&opts.Options, true)
	if err != nil {
		return err
	}

	draftOptions := opts.Draft
	if draftOptions.WorkDir == "" {
		draftOptions.WorkDir = env.cfg.WorkDir
	}

	draft, err := packager.Scaffold(logger.WithName(ctx, "create"), env.fetchr, &draftOptions)
	if err != nil {
		return err
	}

	if opts.OutputPath == "" || opts.OutputPath == "-" {
		data, marshalErr := recipe.Marshal(draft)
		if marshalErr != nil {
			return marshalErr
		}

		_, err = env.out.Write(data)

		return err
	}

	if err = packager.Write(opts.OutputPath, draft, opts.Overwrite); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(env.out, "%s %s: recipe written to %s\n", draft.Name, draft.Version, opts.OutputPath)

	return nil
}
