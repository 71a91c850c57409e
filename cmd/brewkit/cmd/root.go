package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/brewkit/internal/config"
	"github.com/oshokin/brewkit/internal/service/manager"
	"github.com/oshokin/brewkit/internal/service/pipeline"
	"github.com/oshokin/brewkit/internal/version"
)

var (
	// configPath stores the path to the configuration YAML file.
	configPath string
	// prefix overrides the destination root from the configuration file.
	prefix string
	// logLevel overrides the log level from the configuration file.
	logLevel string

	// rootCmd represents the base command when called without any subcommands.
	rootCmd = &cobra.Command{
		Use:   "brewkit",
		Short: "Install prebuilt packages from recipes.",
		Long: `brewkit downloads prebuilt release archives, verifies their digests and
installs the artifacts a recipe lists into a prefix (bin, lib, include, share, man).

Installs are all-or-nothing: a failure at any stage leaves the prefix untouched.
Settings are read from the XDG config home unless --config points elsewhere.`,
		SilenceUsage: true,
	}
)

// Execute runs the brewkit CLI and exits with a status that reflects the failure class.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(pipeline.ExitCode(err))
	}
}

// signalContext is canceled on SIGTERM or SIGINT.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// commonOptions collects the persistent flags.
func commonOptions(cmd *cobra.Command) manager.Options {
	return manager.Options{
		ConfigPath: configPath,
		Prefix:     prefix,
		LogLevel:   logLevel,
		Output:     cmd.OutOrStdout(),
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := rootCmd.PersistentFlags()

	flags.StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to configuration file")
	flags.StringVarP(&prefix, "prefix", "p", "", "destination root (overrides the configuration file)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}
