package commands

import (
	"github.com/spf13/cobra"

	"github.com/kuutamolabs/kld-mgr/cmd/kld-mgr/handlers"
)

// SSH returns the command for running ad-hoc commands on hosts.
func SSH() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssh [-- command...]",
		Short: "Open a shell or run a command on targeted hosts",
		Long: `Without arguments, open an interactive shell on the first targeted
host. With a command, run it on every targeted host and print the output.

Examples:
  kld-mgr ssh --hosts ln-00
  kld-mgr ssh --hosts db-00,db-01 -- systemctl status cockroachdb`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := handlers.NewEnvironment(configPath, hostFilter, assumeYes, debug)
			return handlers.SSH(cmd.Context(), env, args)
		},
	}

	hostsFlag(cmd)

	return cmd
}

// Unlock returns the command that unlocks encrypted hosts after a boot.
func Unlock() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Feed the disk-encryption key to hosts waiting at the boot prompt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := handlers.NewEnvironment(configPath, hostFilter, assumeYes, debug)
			return handlers.Unlock(cmd.Context(), env, keyFile)
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "Disk-encryption key file (default: the key in the secrets directory)")
	hostsFlag(cmd)

	return cmd
}

// Reboot returns the command that reboots hosts one at a time.
func Reboot() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reboot",
		Short: "Reboot targeted hosts, waiting for each to come back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := handlers.NewEnvironment(configPath, hostFilter, assumeYes, debug)
			return handlers.Reboot(cmd.Context(), env)
		},
	}

	hostsFlag(cmd)

	return cmd
}

// SystemInfo returns the command that reports fleet state.
func SystemInfo() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system-info",
		Short: "Report version, generation, and drift state per host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := handlers.NewEnvironment(configPath, hostFilter, assumeYes, debug)
			return handlers.SystemInfo(cmd.Context(), env, version)
		},
	}

	hostsFlag(cmd)

	return cmd
}
