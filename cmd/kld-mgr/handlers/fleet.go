package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuutamolabs/kld-mgr/internal/config"
	"github.com/kuutamolabs/kld-mgr/internal/fingerprint"
	"github.com/kuutamolabs/kld-mgr/internal/retry"
	"github.com/kuutamolabs/kld-mgr/internal/secrets"
	"github.com/kuutamolabs/kld-mgr/internal/sshexec"
)

// initrdSSHPort is where the early-boot sshd listens while the root
// filesystem is still locked.
const initrdSSHPort = 2222

// SSH opens an interactive shell on the first targeted host, or runs the
// given command on every targeted host.
func SSH(ctx context.Context, env *Environment, command []string) error {
	_, hosts, err := env.load()
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return fmt.Errorf("no hosts to connect to")
	}

	if len(command) == 0 {
		target := hosts[0].Target()
		cmd := exec.CommandContext(ctx, "ssh", target)
		cmd.Stdin = os.Stdin
		cmd.Stdout = env.Out
		cmd.Stderr = env.Err
		return cmd.Run()
	}

	dial := env.dialer()
	outcomes := make([]outcome, 0, len(hosts))
	for i := range hosts {
		host := &hosts[i]
		executor := dial(host.Name, host.Target(), "root")
		result, err := executor.Execute(ctx, strings.Join(command, " "))
		if err != nil {
			outcomes = append(outcomes, outcome{Host: host.Name, Err: err})
			continue
		}
		if out := strings.TrimRight(result.Stdout, "\n"); out != "" {
			fmt.Fprintf(env.Out, "%s\n%s\n", dimStyle.Render("["+host.Name+"]"), out)
		}
		outcomes = append(outcomes, outcome{Host: host.Name})
	}
	return env.report("ssh", outcomes)
}

// Unlock feeds the disk-encryption key to hosts held at the early-boot
// prompt, where the initrd sshd passes it to cryptsetup. Hosts already
// running are left alone.
func Unlock(ctx context.Context, env *Environment, keyFile string) error {
	cluster, hosts, err := env.load()
	if err != nil {
		return err
	}
	if keyFile == "" {
		keyFile = secrets.DiskKeyPath(cluster.Global.SecretDirectory)
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return fmt.Errorf("disk encryption key: %w", err)
	}

	dial := env.dialer()
	unlockDial := env.unlockDialer()
	outcomes := make([]outcome, 0, len(hosts))
	for i := range hosts {
		host := &hosts[i]
		detail, err := unlockHost(ctx, dial, unlockDial, host, key)
		outcomes = append(outcomes, outcome{Host: host.Name, Detail: detail, Err: err})
	}
	return env.report("unlock", outcomes)
}

// unlockHost tries the regular port first: a host that answers there has
// already mounted its root filesystem and needs no key.
func unlockHost(ctx context.Context, dial, unlockDial sshexec.Dialer, host *config.HostSpec, key []byte) (string, error) {
	if _, err := dial(host.Name, host.Target(), "root").Execute(ctx, "exit"); err == nil {
		return "already unlocked", nil
	}
	executor := unlockDial(host.Name, host.Target(), "root")
	if _, err := executor.ExecuteStdin(ctx, "cryptsetup-askpass", bytes.NewReader(unlockKeyInput(key))); err != nil {
		return "", err
	}
	return "unlocked", nil
}

// unlockKeyInput terminates the key so the prompt reads a full line.
func unlockKeyInput(key []byte) []byte {
	if bytes.HasSuffix(key, []byte("\n")) {
		return key
	}
	return append(append([]byte(nil), key...), '\n')
}

// Reboot restarts the targeted hosts one at a time, waiting for each to
// come back before moving on. Hosts with encrypted disks are offered the
// key while they wait at the early-boot prompt.
func Reboot(ctx context.Context, env *Environment) error {
	cluster, hosts, err := env.load()
	if err != nil {
		return err
	}
	if err := env.confirm(ctx, "Reboot these hosts?", hosts); err != nil {
		return err
	}

	var key []byte
	if k, err := os.ReadFile(secrets.DiskKeyPath(cluster.Global.SecretDirectory)); err == nil {
		key = unlockKeyInput(k)
	} else {
		env.Logger.Warn().Err(err).Msg("disk encryption key unavailable, hosts must be unlocked manually after reboot")
	}

	dial := env.dialer()
	unlockDial := env.unlockDialer()
	outcomes := make([]outcome, 0, len(hosts))
	for i := range hosts {
		host := &hosts[i]
		outcomes = append(outcomes, outcome{Host: host.Name, Err: rebootHost(ctx, dial, unlockDial, host, key)})
	}
	return env.report("reboot", outcomes)
}

func rebootHost(ctx context.Context, dial, unlockDial sshexec.Dialer, host *config.HostSpec, key []byte) error {
	executor := dial(host.Name, host.Target(), "root")
	// The session drops as the host goes down, so detach the reboot and
	// ignore the connection loss.
	_, _ = executor.Execute(ctx, "nohup reboot >/dev/null 2>&1 & exit")

	time.Sleep(5 * time.Second)
	return retry.Do(ctx, func() error {
		// A locked host answers only on the unlock port until the key
		// arrives, so offer it each round.
		if key != nil {
			_, _ = unlockDial(host.Name, host.Target(), "root").ExecuteStdin(ctx, "cryptsetup-askpass", bytes.NewReader(key))
		}
		_, err := executor.Execute(ctx, "systemctl is-system-running --wait --quiet || true")
		return err
	}, retry.WithMaxAttempts(60), retry.WithInitialDelay(5*time.Second), retry.WithMaxDelay(30*time.Second))
}

// SystemInfo prints the orchestrator version, then each host's self-report
// and drift state against the current source fingerprint.
func SystemInfo(ctx context.Context, env *Environment, version string) error {
	cluster, hosts, err := env.load()
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "kld-mgr version: %s\n\n", version)

	dir, local, err := localFingerprint(ctx, env, cluster)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	dial := env.dialer()
	outcomes := make([]outcome, 0, len(hosts))
	for i := range hosts {
		host := &hosts[i]
		fmt.Fprintf(env.Out, "[%s]\n", host.Name)
		outcomes = append(outcomes, outcome{Host: host.Name, Err: hostInfo(ctx, env, dial, host, dir, local)})
	}
	return env.report("system-info", outcomes)
}

func hostInfo(ctx context.Context, env *Environment, dial sshexec.Dialer, host *config.HostSpec, dir string, local fingerprint.Record) error {
	executor := dial(host.Name, host.Target(), "root")

	result, err := executor.Execute(ctx, "kld-ctl system-info")
	if err != nil {
		return err
	}
	fmt.Fprint(env.Out, result.Stdout)

	result, err = executor.Execute(ctx, "cat "+fingerprint.RemoteRecordPath)
	if err != nil {
		fmt.Fprintln(env.Out, dimStyle.Render("drift: no fingerprint record on host"))
		return nil
	}
	remote, err := fingerprint.ParseRecord([]byte(result.Stdout))
	if err != nil {
		return err
	}
	// The host drifted exactly when its record cannot be reproduced from
	// this source tree.
	if err := fingerprint.Check(dir, remote); err != nil {
		var drift *fingerprint.DriftMismatchError
		if errors.As(err, &drift) {
			fmt.Fprintln(env.Out, failStyle.Render(fmt.Sprintf("drift: host runs %s, source is %s", remote.Revision, local.Revision)))
		}
		return err
	}
	fmt.Fprintln(env.Out, okStyle.Render("drift: none, host matches source"))
	return nil
}

// localFingerprint generates a fresh descriptor set and its record, so
// drift is judged against what an update would deploy right now. The
// caller removes the returned directory.
func localFingerprint(ctx context.Context, env *Environment, cluster *config.Cluster) (string, fingerprint.Record, error) {
	dir, err := os.MkdirTemp("", "kld-mgr-fingerprint.")
	if err != nil {
		return "", fingerprint.Record{}, err
	}
	if err := writeDescriptors(ctx, env, cluster, dir); err != nil {
		os.RemoveAll(dir)
		return "", fingerprint.Record{}, err
	}
	record, err := fingerprint.ReadRecord(filepath.Join(dir, fingerprint.RecordFile))
	if err != nil {
		os.RemoveAll(dir)
		return "", fingerprint.Record{}, err
	}
	return dir, record, nil
}
