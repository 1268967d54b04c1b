// Package handlers implements the business logic for CLI commands.
//
// Handlers are framework-agnostic and can be tested independently of the
// CLI framework. Each handler loads the cluster description, resolves the
// targeted hosts, and drives the matching orchestrator, aggregating
// per-host outcomes into the process exit status.
package handlers

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/kuutamolabs/kld-mgr/internal/config"
	"github.com/kuutamolabs/kld-mgr/internal/sshexec"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

// Environment carries the global CLI state into handlers.
type Environment struct {
	ConfigPath string
	HostFilter string
	Yes        bool
	Debug      bool
	Timeouts   *config.Timeouts
	Logger     zerolog.Logger
	Out        io.Writer
	Err        io.Writer
}

// NewEnvironment builds the handler environment from the global flags.
func NewEnvironment(configPath, hostFilter string, yes, debug bool) *Environment {
	return &Environment{
		ConfigPath: configPath,
		HostFilter: hostFilter,
		Yes:        yes,
		Debug:      debug,
		Timeouts:   config.DefaultTimeouts(),
		Logger:     newLogger(debug),
		Out:        os.Stdout,
		Err:        os.Stderr,
	}
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// load resolves the cluster description and the targeted hosts.
func (e *Environment) load() (*config.Cluster, []config.HostSpec, error) {
	cluster, err := config.Load(e.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	hosts, err := config.FilterHosts(e.HostFilter, cluster)
	if err != nil {
		return nil, nil, err
	}
	return cluster, hosts, nil
}

// dialer builds the SSH channel factory shared by the orchestrators.
func (e *Environment) dialer() sshexec.Dialer {
	opts := []sshexec.Option{sshexec.WithConnectTimeout(e.Timeouts.Connect)}
	if e.Debug {
		opts = append(opts, sshexec.WithStreamedOutput(e.Err))
	}
	return sshexec.DefaultDialer(opts...)
}

// unlockDialer reaches the initrd sshd, which listens on its own port
// while the root filesystem is still locked.
func (e *Environment) unlockDialer() sshexec.Dialer {
	return sshexec.DefaultDialer(
		sshexec.WithPort(initrdSSHPort),
		sshexec.WithConnectTimeout(e.Timeouts.Connect),
	)
}

// confirm asks the operator before a destructive operation. Non-interactive
// invocations must pass --yes.
func (e *Environment) confirm(ctx context.Context, title string, hosts []config.HostSpec) error {
	if e.Yes {
		return nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("refusing %q without --yes in a non-interactive session", title)
	}
	names := make([]string, 0, len(hosts))
	for i := range hosts {
		names = append(names, hosts[i].Name)
	}
	var proceed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description("Hosts: " + strings.Join(names, ", ")).
			Value(&proceed),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return err
	}
	if !proceed {
		return fmt.Errorf("aborted")
	}
	return nil
}

// outcome is one host's result as reported to the operator.
type outcome struct {
	Host   string
	Detail string
	Err    error
}

// report prints per-host outcomes and returns a non-nil error when any
// host failed, enumerating the failures.
func (e *Environment) report(operation string, outcomes []outcome) error {
	var failed []string
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o.Host)
			fmt.Fprintf(e.Err, "%s %s: %v\n", failStyle.Render("[!!]"), o.Host, o.Err)
			continue
		}
		line := fmt.Sprintf("%s %s", okStyle.Render("[OK]"), o.Host)
		if o.Detail != "" {
			line += " " + dimStyle.Render(o.Detail)
		}
		fmt.Fprintln(e.Out, line)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s failed on %d of %d hosts: %s",
			operation, len(failed), len(outcomes), strings.Join(failed, ", "))
	}
	return nil
}
