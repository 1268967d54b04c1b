// Package install drives bare-metal installation of a fleet. Each targeted
// host walks an independent state machine from validation through image
// compilation, disk provisioning, secret placement, first boot, and
// role-specific readiness. The cluster's first database host bootstraps the
// quorum and must finish before any other host starts.
package install

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kuutamolabs/kld-mgr/internal/config"
	"github.com/kuutamolabs/kld-mgr/internal/image"
	"github.com/kuutamolabs/kld-mgr/internal/retry"
	"github.com/kuutamolabs/kld-mgr/internal/secrets"
	"github.com/kuutamolabs/kld-mgr/internal/sshexec"
	"github.com/kuutamolabs/kld-mgr/internal/util/async"
)

// State is one step of a host's installation.
type State string

const (
	StateValidate      State = "validate"
	StateCompile       State = "compile"
	StateProvision     State = "provision"
	StateSecretPush    State = "secret-push"
	StateFirstBoot     State = "first-boot"
	StateReadinessWait State = "readiness-wait"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// ProvisionError reports a failed remote installation step.
type ProvisionError struct {
	Host string
	Step State
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("host %s: %s: %v", e.Host, e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ReadinessTimeoutError reports a host that never became healthy within the
// configured bound.
type ReadinessTimeoutError struct {
	Host   string
	Waited time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("host %s: not ready after %s", e.Host, e.Waited)
}

// Result is one host's final outcome.
type Result struct {
	Host  string
	State State
	Err   error
}

// Observer is notified on every host state transition.
type Observer func(host string, state State)

// Orchestrator installs hosts. All fields must be set before use.
type Orchestrator struct {
	Cluster     *config.Cluster
	Compiler    image.Compiler
	Dial        sshexec.Dialer
	SecretsDir  string
	Timeouts    *config.Timeouts
	Parallelism int
	Logger      zerolog.Logger
	Observe     Observer
}

// Install runs the state machine for every targeted host. The database
// bootstrap host goes first when targeted; the rest run with bounded
// parallelism. Hosts fail independently, one failure never aborts another
// host already under way, except that a failed quorum bootstrap marks the
// not-yet-started hosts failed instead of letting each of them time out
// against a quorum that cannot exist.
func (o *Orchestrator) Install(ctx context.Context, hosts []config.HostSpec) []Result {
	results := make([]Result, 0, len(hosts))

	rest := hosts
	if bootstrap := o.Cluster.BootstrapHost(); bootstrap != nil {
		for i := range hosts {
			if hosts[i].Name != bootstrap.Name {
				continue
			}
			rest = append(append([]config.HostSpec{}, hosts[:i]...), hosts[i+1:]...)
			result := o.installHost(ctx, &hosts[i])
			results = append(results, result)
			if result.Err != nil {
				for j := range rest {
					results = append(results, Result{
						Host:  rest[j].Name,
						State: StateFailed,
						Err: &ProvisionError{
							Host: rest[j].Name,
							Step: StateValidate,
							Err:  fmt.Errorf("database bootstrap host %s failed", bootstrap.Name),
						},
					})
				}
				return results
			}
			break
		}
	}

	tasks := make([]async.Task, len(rest))
	outcomes := make([]Result, len(rest))
	for i := range rest {
		host := &rest[i]
		slot := &outcomes[i]
		tasks[i] = async.Task{
			Name: host.Name,
			Func: func(ctx context.Context) error {
				*slot = o.installHost(ctx, host)
				return slot.Err
			},
		}
	}
	async.Run(ctx, o.parallelism(), tasks)
	return append(results, outcomes...)
}

func (o *Orchestrator) parallelism() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return 4
}

func (o *Orchestrator) observe(host string, state State) {
	o.Logger.Info().Str("host", host).Str("state", string(state)).Msg("install")
	if o.Observe != nil {
		o.Observe(host, state)
	}
}

func (o *Orchestrator) installHost(ctx context.Context, host *config.HostSpec) Result {
	fail := func(step State, err error) Result {
		o.observe(host.Name, StateFailed)
		var timeout *ReadinessTimeoutError
		if errors.As(err, &timeout) {
			return Result{Host: host.Name, State: StateFailed, Err: err}
		}
		return Result{Host: host.Name, State: StateFailed, Err: &ProvisionError{Host: host.Name, Step: step, Err: err}}
	}

	o.observe(host.Name, StateValidate)
	bundle, err := secrets.BundleFor(host, o.SecretsDir, o.Cluster.Global.AccessTokens)
	if err != nil {
		return fail(StateValidate, err)
	}

	o.observe(host.Name, StateCompile)
	ref, err := o.Compiler.Compile(ctx, host)
	if err != nil {
		return fail(StateCompile, err)
	}

	o.observe(host.Name, StateProvision)
	installer := o.Dial(host.Name, host.InstallTarget(), host.InstallUser)
	if err := o.provision(ctx, installer, host, ref); err != nil {
		return fail(StateProvision, err)
	}

	o.observe(host.Name, StateSecretPush)
	if err := secrets.Push(ctx, installer, bundle, "/mnt"); err != nil {
		return fail(StateSecretPush, err)
	}
	if _, err := installer.Execute(ctx, "kld-installer boot"); err != nil {
		return fail(StateSecretPush, err)
	}

	o.observe(host.Name, StateFirstBoot)
	system := o.Dial(host.Name, host.Target(), "root")
	if err := o.awaitFirstBoot(ctx, system); err != nil {
		return fail(StateFirstBoot, err)
	}

	o.observe(host.Name, StateReadinessWait)
	if err := o.awaitReadiness(ctx, system, host); err != nil {
		return fail(StateReadinessWait, err)
	}

	o.observe(host.Name, StateDone)
	return Result{Host: host.Name, State: StateDone}
}

// provision boots the transient installer via an in-memory kernel handoff,
// wipes the target disks, and writes the compiled image. The session drops
// when the installer kernel takes over, so the handoff command's connection
// error is expected.
func (o *Orchestrator) provision(ctx context.Context, executor sshexec.Executor, host *config.HostSpec, ref image.Ref) error {
	fetch := fmt.Sprintf("curl -fsSL %s | tar -xzf - -C /root", o.Cluster.Global.InstallerImageURL)
	if _, err := executor.Execute(ctx, fetch); err != nil {
		return fmt.Errorf("failed to fetch installer image: %w", err)
	}
	_, _ = executor.Execute(ctx, "/root/kexec/run")

	if err := o.awaitInstaller(ctx, executor); err != nil {
		return fmt.Errorf("installer never came up: %w", err)
	}
	for _, disk := range host.Disks {
		if _, err := executor.Execute(ctx, fmt.Sprintf("wipefs -a %s", disk)); err != nil {
			return fmt.Errorf("failed to wipe %s: %w", disk, err)
		}
	}
	write := fmt.Sprintf("kld-installer write --image %s --hostname %s --disks %s",
		ref, host.Name, strings.Join(host.Disks, ","))
	if _, err := executor.Execute(ctx, write); err != nil {
		return fmt.Errorf("failed to write system image: %w", err)
	}
	return nil
}

func (o *Orchestrator) awaitInstaller(ctx context.Context, executor sshexec.Executor) error {
	return retry.Do(ctx, func() error {
		result, err := executor.Execute(ctx, "test -e /etc/is-installer")
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("host still running the previous system")
		}
		return nil
	}, retry.WithMaxAttempts(30), retry.WithInitialDelay(2*time.Second), retry.WithMaxDelay(20*time.Second))
}

func (o *Orchestrator) awaitFirstBoot(ctx context.Context, executor sshexec.Executor) error {
	ctx, cancel := context.WithTimeout(ctx, o.Timeouts.FirstBoot)
	defer cancel()
	return retry.Do(ctx, func() error {
		_, err := executor.Execute(ctx, "systemctl is-system-running --wait --quiet || true")
		return err
	}, retry.WithMaxAttempts(120), retry.WithInitialDelay(5*time.Second), retry.WithMaxDelay(30*time.Second))
}

// awaitReadiness polls the host agent until it reports healthy. Database
// hosts report quorum membership, application hosts report their chain
// indexer and database client as reachable.
func (o *Orchestrator) awaitReadiness(ctx context.Context, executor sshexec.Executor, host *config.HostSpec) error {
	deadline := time.Now().Add(o.Timeouts.ReadinessTotal)
	ctx, cancel := context.WithDeadline(ctx, deadline)
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
		return &ReadinessTimeoutError{Host: host.Name, Waited: time.Since(started).Round(time.Second)}
	}
	return nil
}
