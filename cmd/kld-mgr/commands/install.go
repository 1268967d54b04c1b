package commands

import (
	"github.com/spf13/cobra"

	"github.com/kuutamolabs/kld-mgr/cmd/kld-mgr/handlers"
)

// Install returns the command for bare-metal installation of hosts.
func Install() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the system image on targeted hosts",
		Long: `Install targeted hosts from scratch.

This wipes the configured disks, boots a transient installer, writes the
compiled system image, places the host's secrets, and waits until the host
reports itself healthy. The cluster's first database host is installed
before any other host so the quorum exists when dependents join it.

Examples:
  # Install the whole fleet
  kld-mgr install --yes

  # Reinstall a single host
  kld-mgr install --hosts ln-01`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := handlers.NewEnvironment(configPath, hostFilter, assumeYes, debug)
			return handlers.Install(cmd.Context(), env)
		},
	}

	hostsFlag(cmd)

	return cmd
}
