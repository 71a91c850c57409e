package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/brewkit/internal/service/manager"
)

var (
	// force reinstalls identical versions and allows downgrades.
	force bool
	// noProgress hides download progress bars.
	noProgress bool

	installCmd = &cobra.Command{
		Use:   "install <recipe.yaml>...",
		Short: "Install packages described by recipe files.",
		Long: `Fetch, verify and install every given recipe.

Several recipes run concurrently, bounded by the parallelism setting.
A recipe whose version and digest are already installed is skipped unless --force is set.
Installing an older version than the one recorded requires --force.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			installOptions := &manager.InstallOptions{
				Options:     commonOptions(cmd),
				RecipePaths: args,
				Force:       force,
			}

			if !noProgress {
				installOptions.Progress = cmd.ErrOrStderr()
			}

			return manager.Install(ctx, installOptions)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	installCmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall identical versions and allow downgrades")
	installCmd.Flags().BoolVar(&noProgress, "no-progress", false, "hide download progress")

	rootCmd.AddCommand(installCmd)
}
