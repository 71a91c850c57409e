package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/brewkit/internal/service/manager"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <name>...",
	Short: "Remove installed packages.",
	Long:  "Remove every file recorded for the named packages and forget their install records.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		options := commonOptions(cmd)

		return manager.Uninstall(ctx, &options, args...)
	},
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.AddCommand(uninstallCmd)
}
