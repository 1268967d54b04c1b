// Package commands defines the CLI command structure and flag bindings.
//
// This package contains cobra command definitions that handle argument
// parsing, flag binding, and validation. Command execution is delegated to
// handler functions in the handlers package.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// Flags shared by every subcommand.
var (
	configPath string
	hostFilter string
	assumeYes  bool
	debug      bool
)

// Root returns the root command for the kld-mgr CLI.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "kld-mgr",
		Short:        "Manage a fleet of Lightning nodes and their database quorum",
		SilenceUsage: true,
	}

	defaultConfig := os.Getenv("KLD_MGR_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "cluster.toml"
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig,
		"Path to the cluster description (env KLD_MGR_CONFIG)")
	cmd.PersistentFlags().BoolVar(&assumeYes, "yes", false, "Skip interactive confirmation")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Verbose output including captured remote output")

	cmd.AddCommand(GenerateExample())
	cmd.AddCommand(GenerateConfig())
	cmd.AddCommand(Install())
	cmd.AddCommand(DryUpdate())
	cmd.AddCommand(Update())
	cmd.AddCommand(Rollback())
	cmd.AddCommand(SSH())
	cmd.AddCommand(Unlock())
	cmd.AddCommand(Reboot())
	cmd.AddCommand(SystemInfo())
	cmd.AddCommand(Version())

	return cmd
}

// hostsFlag registers the host selection flag on commands that target hosts.
func hostsFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&hostFilter, "hosts", "", "Comma-separated host names (default: all hosts)")
}
