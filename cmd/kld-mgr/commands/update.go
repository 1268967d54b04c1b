package commands

import (
	"github.com/spf13/cobra"

	"github.com/kuutamolabs/kld-mgr/cmd/kld-mgr/handlers"
)

// DryUpdate returns the command that previews an update without mutating
// any host.
func DryUpdate() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dry-update",
		Short: "Show what an update would change, without touching hosts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := handlers.NewEnvironment(configPath, hostFilter, assumeYes, debug)
			return handlers.DryUpdate(cmd.Context(), env)
		},
	}

	hostsFlag(cmd)

	return cmd
}

// Update returns the command that rolls the new system image across hosts.
func Update() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Roll the current source state across targeted hosts",
		Long: `Activate the current source state on each targeted host.

Hosts are visited in upgrade-stagger order, one at a time, and each host
must report healthy before the next one starts, so a database quorum never
loses more than one member. Hosts that support it swap the running kernel
in place without a reboot; the rest fall back to a cold reboot.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := handlers.NewEnvironment(configPath, hostFilter, assumeYes, debug)
			return handlers.Update(cmd.Context(), env)
		},
	}

	hostsFlag(cmd)

	return cmd
}

// Rollback returns the command that re-activates the prior generation.
func Rollback() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Re-activate each host's previous system generation",
		Long: `Re-activate the immediately prior generation on targeted hosts.

Only one prior generation is retained, so rollback cannot go further back
than the state before the most recent update.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := handlers.NewEnvironment(configPath, hostFilter, assumeYes, debug)
			return handlers.Rollback(cmd.Context(), env)
		},
	}

	hostsFlag(cmd)

	return cmd
}
