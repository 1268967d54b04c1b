// Package main is the entry point for the kld-mgr CLI.
//
// kld-mgr provisions and operates a fleet of Lightning nodes backed by a
// replicated SQL store: bare-metal installation, staggered reboot-free
// upgrades, rollback, and fleet inspection, all driven by a single TOML
// cluster description.
//
// For detailed usage information, run:
//
//	kld-mgr --help
package main

import (
	"fmt"
	"os"

	"github.com/kuutamolabs/kld-mgr/cmd/kld-mgr/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
