// Package upgrade drives rolling fleet upgrades: non-mutating dry runs,
// staggered reboot-free updates, and single-generation rollback. Every
// remote interaction goes through the host agent, which owns generation
// bookkeeping and the actual image activation.
package upgrade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kuutamolabs/kld-mgr/internal/config"
	"github.com/kuutamolabs/kld-mgr/internal/image"
	"github.com/kuutamolabs/kld-mgr/internal/install"
	"github.com/kuutamolabs/kld-mgr/internal/retry"
	"github.com/kuutamolabs/kld-mgr/internal/secrets"
	"github.com/kuutamolabs/kld-mgr/internal/sshexec"
)

// The host agent's activate exit status for a missing prior generation.
const exitNoPriorGeneration = 3

// RollbackUnavailableError reports a rollback request against a host that
// retains no prior generation. Only the current and the immediately prior
// generation are kept, so a second rollback in a row always fails this way.
type RollbackUnavailableError struct {
	Host string
}

func (e *RollbackUnavailableError) Error() string {
	return fmt.Sprintf("host %s: no prior generation retained", e.Host)
}

// Result is one host's outcome of an update or rollback pass.
type Result struct {
	Host string
	// Generation is the active generation after the operation.
	Generation string
	// Handoff names the activation mechanism used, kexec or reboot.
	Handoff string
	// Skipped is set when the host was already running the target state.
	Skipped bool
	Err     error
}

// Diff is one host's dry-run outcome.
type Diff struct {
	Host string
	// Lines is the rendered descriptor diff, empty when nothing changes.
	Lines []string
}

// Changed reports whether an update would modify the host.
func (d *Diff) Changed() bool { return len(d.Lines) > 0 }

// Orchestrator upgrades hosts. All fields must be set before use.
type Orchestrator struct {
	Cluster    *config.Cluster
	Compiler   image.Compiler
	Dial       sshexec.Dialer
	SecretsDir string
	Timeouts   *config.Timeouts
	Logger     zerolog.Logger
}

// DryUpdate diffs each host's active descriptor against a freshly encoded
// one. It performs no remote mutation: the host's reported generation is
// read before and after and any difference is reported as an error.
func (o *Orchestrator) DryUpdate(ctx context.Context, hosts []config.HostSpec) ([]Diff, error) {
	diffs := make([]Diff, 0, len(hosts))
	for i := range hosts {
		host := &hosts[i]
		diff, err := o.dryUpdateHost(ctx, host)
		if err != nil {
			return diffs, err
		}
		diffs = append(diffs, *diff)
	}
	return diffs, nil
}

func (o *Orchestrator) dryUpdateHost(ctx context.Context, host *config.HostSpec) (*Diff, error) {
	executor := o.Dial(host.Name, host.Target(), "root")

	before, err := currentGeneration(ctx, executor, host.Name)
	if err != nil {
		return nil, err
	}
	remote, err := execute(ctx, executor, host.Name, "kld-ctl descriptor")
	if err != nil {
		return nil, err
	}
	local, err := image.DescriptorFor(host, &o.Cluster.Global).Encode()
	if err != nil {
		return nil, err
	}
	after, err := currentGeneration(ctx, executor, host.Name)
	if err != nil {
		return nil, err
	}
	if before != after {
		return nil, fmt.Errorf("host %s: generation moved from %s to %s during a dry run", host.Name, before, after)
	}
	return &Diff{Host: host.Name, Lines: diffLines(remote, string(local))}, nil
}

// Update activates the current source state on each host, in stagger order.
// Hosts sharing a quorum-bearing role are upgraded strictly one at a time,
// with readiness confirmed before the next host starts, so a majority of
// the database role stays serving throughout. Per-host failures are
// collected, a failed host does not abort the hosts after it. A host
// finishing past its scheduled activation window is logged, not blocked.
func (o *Orchestrator) Update(ctx context.Context, hosts []config.HostSpec) []Result {
	diskKey, err := os.ReadFile(secrets.DiskKeyPath(o.SecretsDir))
	if err != nil {
		results := make([]Result, 0, len(hosts))
		for i := range hosts {
			results = append(results, Result{Host: hosts[i].Name, Err: fmt.Errorf("disk encryption key: %w", err)})
		}
		return results
	}

	ordered := ByStagger(hosts)
	deadlines := map[string]time.Time{}
	for _, w := range Schedule(ordered, time.Now(), o.Timeouts.UpgradeWindow) {
		deadlines[w.Host] = w.End
	}
	results := make([]Result, 0, len(ordered))
	for i := range ordered {
		result := o.updateHost(ctx, &ordered[i], diskKey)
		if !result.Skipped && time.Now().After(deadlines[result.Host]) {
			o.Logger.Warn().Str("host", result.Host).
				Time("deadline", deadlines[result.Host]).
				Msg("activation overran its stagger window")
		}
		o.Logger.Info().Str("host", result.Host).
			Str("generation", result.Generation).
			Str("handoff", result.Handoff).
			Bool("skipped", result.Skipped).
			Err(result.Err).
			Msg("update")
		results = append(results, result)
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

func (o *Orchestrator) updateHost(ctx context.Context, host *config.HostSpec, diskKey []byte) Result {
	executor := o.Dial(host.Name, host.Target(), "root")

	before, err := currentGeneration(ctx, executor, host.Name)
	if err != nil {
		return Result{Host: host.Name, Err: err}
	}

	remote, err := execute(ctx, executor, host.Name, "kld-ctl descriptor")
	if err != nil {
		return Result{Host: host.Name, Err: err}
	}
	local, err := image.DescriptorFor(host, &o.Cluster.Global).Encode()
	if err != nil {
		return Result{Host: host.Name, Err: err}
	}
	if remote == string(local) {
		return Result{Host: host.Name, Generation: before, Skipped: true}
	}

	ref, err := o.Compiler.Compile(ctx, host)
	if err != nil {
		return Result{Host: host.Name, Err: err}
	}

	handoff, err := o.activate(ctx, executor, host, ref, diskKey)
	if err != nil {
		return Result{Host: host.Name, Err: err}
	}

	if err := o.awaitReady(ctx, executor, host); err != nil {
		return Result{Host: host.Name, Handoff: handoff, Err: err}
	}

	after, err := currentGeneration(ctx, executor, host.Name)
	if err != nil {
		return Result{Host: host.Name, Handoff: handoff, Err: err}
	}
	if after == before {
		return Result{Host: host.Name, Handoff: handoff, Err: fmt.Errorf("host %s: generation unchanged after activation", host.Name)}
	}
	return Result{Host: host.Name, Generation: after, Handoff: handoff}
}

// activate swaps the running image. Hosts that support it load the new
// kernel while still running the old one, re-inject the disk-encryption key
// into the new initrd, and hand off in place, skipping firmware entirely.
// Hosts without the capability fall back to a cold reboot.
func (o *Orchestrator) activate(ctx context.Context, executor sshexec.Executor, host *config.HostSpec, ref image.Ref, diskKey []byte) (string, error) {
	handoff := "reboot"
	if supportsKexecHandoff(ctx, executor) {
		handoff = "kexec"
	}
	command := fmt.Sprintf("kld-ctl activate %s --handoff=%s", ref, handoff)
	_, err := executor.ExecuteStdin(ctx, command, bytes.NewReader(diskKey))
	if err != nil && handoff == "kexec" {
		o.Logger.Warn().Str("host", host.Name).Err(err).Msg("kernel handoff failed, falling back to reboot")
		handoff = "reboot"
		command = fmt.Sprintf("kld-ctl activate %s --handoff=reboot", ref)
		_, err = executor.ExecuteStdin(ctx, command, bytes.NewReader(diskKey))
	}
	if err != nil {
		return handoff, err
	}
	return handoff, nil
}

func supportsKexecHandoff(ctx context.Context, executor sshexec.Executor) bool {
	result, err := executor.Execute(ctx, "kld-ctl capabilities")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(result.Stdout, "\n") {
		if strings.TrimSpace(line) == "kexec-handoff" {
			return true
		}
	}
	return false
}

// Rollback re-activates each host's immediately prior generation.
func (o *Orchestrator) Rollback(ctx context.Context, hosts []config.HostSpec) []Result {
	diskKey, err := os.ReadFile(secrets.DiskKeyPath(o.SecretsDir))
	if err != nil {
		results := make([]Result, 0, len(hosts))
		for i := range hosts {
			results = append(results, Result{Host: hosts[i].Name, Err: fmt.Errorf("disk encryption key: %w", err)})
		}
		return results
	}

	ordered := ByStagger(hosts)
	results := make([]Result, 0, len(ordered))
	for i := range ordered {
		results = append(results, o.rollbackHost(ctx, &ordered[i], diskKey))
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

func (o *Orchestrator) rollbackHost(ctx context.Context, host *config.HostSpec, diskKey []byte) Result {
	executor := o.Dial(host.Name, host.Target(), "root")

	before, err := currentGeneration(ctx, executor, host.Name)
	if err != nil {
		return Result{Host: host.Name, Err: err}
	}

	_, err = executor.ExecuteStdin(ctx, "kld-ctl activate --rollback", bytes.NewReader(diskKey))
	if err != nil {
		var exitErr *sshexec.ExitError
		if errors.As(err, &exitErr) && exitErr.Code == exitNoPriorGeneration {
			return Result{Host: host.Name, Err: &RollbackUnavailableError{Host: host.Name}}
		}
		return Result{Host: host.Name, Err: err}
	}

	if err := o.awaitReady(ctx, executor, host); err != nil {
		return Result{Host: host.Name, Err: err}
	}
	after, err := currentGeneration(ctx, executor, host.Name)
	if err != nil {
		return Result{Host: host.Name, Err: err}
	}
	if after == before {
		return Result{Host: host.Name, Err: fmt.Errorf("host %s: generation unchanged after rollback", host.Name)}
	}
	return Result{Host: host.Name, Generation: after}
}

func (o *Orchestrator) awaitReady(ctx context.Context, executor sshexec.Executor, host *config.HostSpec) error {
	ctx, cancel := context.WithTimeout(ctx, o.Timeouts.ReadinessTotal)
	defer cancel()
	started := time.Now()
	err := retry.Do(ctx, func() error {
		result, err := executor.Execute(ctx, "kld-ctl readiness")
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("not ready: %s", strings.TrimSpace(result.Stdout))
		}
		return nil
	}, retry.WithMaxAttempts(1000), retry.WithInitialDelay(o.Timeouts.ReadinessPoll), retry.WithMaxDelay(4*o.Timeouts.ReadinessPoll))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &install.ReadinessTimeoutError{Host: host.Name, Waited: time.Since(started).Round(time.Second)}
	}
	return nil
}

func currentGeneration(ctx context.Context, executor sshexec.Executor, host string) (string, error) {
	result, err := execute(ctx, executor, host, "kld-ctl generation current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result), nil
}

func execute(ctx context.Context, executor sshexec.Executor, host, command string) (string, error) {
	result, err := executor.Execute(ctx, command)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("host %s: %q exited %d: %s", host, command, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}
