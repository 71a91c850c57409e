package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/brewkit/internal/service/manager"
	"github.com/oshokin/brewkit/internal/service/packager"
)

var (
	// draft holds recipe overrides for the create command.
	draft packager.Options
	// outputPath is where the drafted recipe is written.
	outputPath string
	// overwrite replaces an existing recipe file.
	overwrite bool

	createCmd = &cobra.Command{
		Use:   "create <archive-url>",
		Short: "Draft a recipe for a release archive.",
		Long: `Download a release archive, compute its digest and draft a recipe that
installs every executable it contains into bin.

Name and version are derived from the archive name (tool-1.2.3-linux-amd64.tar.gz)
unless given explicitly. Review the draft before installing it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			draftOptions := draft
			draftOptions.URL = args[0]

			return manager.Create(ctx, &manager.CreateOptions{
				Options:    commonOptions(cmd),
				Draft:      draftOptions,
				OutputPath: outputPath,
				Overwrite:  overwrite,
			})
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := createCmd.Flags()

	flags.StringVar(&draft.Name, "name", "", "recipe name (derived from the archive name by default)")
	flags.StringVar(&draft.Version, "version", "", "recipe version (derived from the archive name by default)")
	flags.StringVarP(&draft.Algorithm, "algorithm", "a", "sha256", "digest algorithm")
	flags.StringVar(&draft.Description, "description", "", "recipe description")
	flags.StringVar(&draft.Homepage, "homepage", "", "project homepage")
	flags.StringVarP(&outputPath, "output", "o", "-", "recipe file to write, - prints to stdout")
	flags.BoolVarP(&overwrite, "force", "f", false, "overwrite an existing recipe file")

	rootCmd.AddCommand(createCmd)
}
