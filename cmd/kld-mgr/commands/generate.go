package commands

import (
	"github.com/spf13/cobra"

	"github.com/kuutamolabs/kld-mgr/cmd/kld-mgr/handlers"
)

// GenerateExample returns the command that prints a template cluster
// description.
func GenerateExample() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-example",
		Short: "Print a template cluster description",
		Long: `Print a commented template cluster description to standard output.

Save it as cluster.toml and edit it to match your fleet:

  kld-mgr generate-example > cluster.toml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.GenerateExample(cmd.OutOrStdout())
		},
	}
}

// GenerateConfig returns the command that compiles host descriptors to disk.
func GenerateConfig() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Compile per-host system-image descriptors to disk",
		Long: `Resolve the cluster description and write one system-image descriptor
per host, the fleet hosts file, and the source fingerprint record. Secrets
are created for any host that lacks them. No remote host is touched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := handlers.NewEnvironment(configPath, hostFilter, assumeYes, debug)
			return handlers.GenerateConfig(cmd.Context(), env, outputDir)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "descriptors", "Directory to write descriptors into")

	return cmd
}
