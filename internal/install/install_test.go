package install

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuutamolabs/kld-mgr/internal/config"
	"github.com/kuutamolabs/kld-mgr/internal/image"
	"github.com/kuutamolabs/kld-mgr/internal/secrets"
	"github.com/kuutamolabs/kld-mgr/internal/sshexec"
)

func testCluster() *config.Cluster {
	network := func(addr string) *config.Network {
		return &config.Network{
			Address: netip.MustParseAddr(addr),
			Prefix:  24,
			Gateway: netip.MustParseAddr("192.168.0.1"),
		}
	}
	return &config.Cluster{
		Hosts: []config.HostSpec{
			{
				Name:        "ln-00",
				Role:        config.RoleApplication,
				IPv4:        network("192.168.0.10"),
				SSHHostname: "192.168.0.10",
				InstallUser: "root",
				Disks:       []string{"/dev/vda"},
			},
			{
				Name:        "db-00",
				Role:        config.RoleDatabase,
				IPv4:        network("192.168.0.20"),
				SSHHostname: "192.168.0.20",
				InstallUser: "root",
				Disks:       []string{"/dev/vda"},
			},
		},
	}
}

type fakeCompiler struct {
	mu       sync.Mutex
	failFor  string
	compiled []string
}

func (c *fakeCompiler) Compile(_ context.Context, host *config.HostSpec) (image.Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if host.Name == c.failFor {
		return "", errors.New("builder exploded")
	}
	c.compiled = append(c.compiled, host.Name)
	return image.Ref("/nix/store/" + host.Name + "-system"), nil
}

type fakeExecutor struct {
	mu            sync.Mutex
	host          string
	neverReady    bool
	commands      []string
	remoteCounter *int
}

func (f *fakeExecutor) Execute(_ context.Context, command string) (*sshexec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.remoteCounter != nil {
		*f.remoteCounter++
	}
	if strings.Contains(command, "kld-ctl readiness") && f.neverReady {
		return &sshexec.Result{ExitCode: 1, Stdout: "database: waiting for quorum"}, nil
	}
	if strings.Contains(command, "mktemp") {
		return &sshexec.Result{Stdout: "/mnt/tmp/secrets.xyz\n"}, nil
	}
	return &sshexec.Result{}, nil
}

func (f *fakeExecutor) ExecuteStdin(ctx context.Context, command string, stdin io.Reader) (*sshexec.Result, error) {
	_, _ = io.Copy(io.Discard, stdin)
	return f.Execute(ctx, command)
}

type fakeFleet struct {
	mu          sync.Mutex
	notReady    map[string]bool
	executors   map[string]*fakeExecutor
	remoteCalls int
}

func (f *fakeFleet) dial(host, _, _ string) sshexec.Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executors == nil {
		f.executors = map[string]*fakeExecutor{}
	}
	if existing, ok := f.executors[host]; ok {
		return existing
	}
	executor := &fakeExecutor{host: host, neverReady: f.notReady[host], remoteCounter: &f.remoteCalls}
	f.executors[host] = executor
	return executor
}

func testOrchestrator(t *testing.T, cluster *config.Cluster, fleet *fakeFleet, compiler image.Compiler) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, secrets.Ensure(dir, cluster))
	return &Orchestrator{
		Cluster:    cluster,
		Compiler:   compiler,
		Dial:       fleet.dial,
		SecretsDir: dir,
		Timeouts: &config.Timeouts{
			Connect:        time.Second,
			FirstBoot:      time.Second,
			ReadinessPoll:  time.Millisecond,
			ReadinessTotal: 50 * time.Millisecond,
		},
		Logger: zerolog.Nop(),
	}
}

func resultFor(t *testing.T, results []Result, host string) Result {
	t.Helper()
	for _, r := range results {
		if r.Host == host {
			return r
		}
	}
	t.Fatalf("no result for %s", host)
	return Result{}
}

func TestInstallRunsBootstrapHostFirst(t *testing.T) {
	cluster := testCluster()
	fleet := &fakeFleet{}
	orchestrator := testOrchestrator(t, cluster, fleet, &fakeCompiler{})

	var mu sync.Mutex
	var transitions []string
	orchestrator.Observe = func(host string, state State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, host+":"+string(state))
	}

	results := orchestrator.Install(context.Background(), cluster.Hosts)
	require.Len(t, results, 2)
	assert.Equal(t, StateDone, resultFor(t, results, "db-00").State)
	assert.Equal(t, StateDone, resultFor(t, results, "ln-00").State)

	bootstrapDone := -1
	firstOther := len(transitions)
	for i, tr := range transitions {
		if tr == "db-00:done" {
			bootstrapDone = i
		}
		if strings.HasPrefix(tr, "ln-00:") && i < firstOther {
			firstOther = i
		}
	}
	require.GreaterOrEqual(t, bootstrapDone, 0)
	assert.Less(t, bootstrapDone, firstOther, "quorum bootstrap must finish before dependents start")
}

func TestInstallHostsFailIndependently(t *testing.T) {
	cluster := testCluster()
	fleet := &fakeFleet{notReady: map[string]bool{"ln-00": true}}
	orchestrator := testOrchestrator(t, cluster, fleet, &fakeCompiler{})

	results := orchestrator.Install(context.Background(), cluster.Hosts)

	assert.Equal(t, StateDone, resultFor(t, results, "db-00").State)

	failed := resultFor(t, results, "ln-00")
	assert.Equal(t, StateFailed, failed.State)
	var timeout *ReadinessTimeoutError
	require.ErrorAs(t, failed.Err, &timeout)
	assert.Equal(t, "ln-00", timeout.Host)
}

func TestInstallBootstrapFailureStopsDependents(t *testing.T) {
	cluster := testCluster()
	fleet := &fakeFleet{}
	orchestrator := testOrchestrator(t, cluster, fleet, &fakeCompiler{failFor: "db-00"})

	before := fleet.remoteCalls
	results := orchestrator.Install(context.Background(), cluster.Hosts)

	bootstrap := resultFor(t, results, "db-00")
	assert.Equal(t, StateFailed, bootstrap.State)
	var provisionErr *ProvisionError
	require.ErrorAs(t, bootstrap.Err, &provisionErr)
	assert.Equal(t, StateCompile, provisionErr.Step)

	dependent := resultFor(t, results, "ln-00")
	assert.Equal(t, StateFailed, dependent.State)
	assert.Contains(t, dependent.Err.Error(), "bootstrap host db-00 failed")
	assert.Equal(t, before, fleet.remoteCalls, "dependents must not be touched after a failed bootstrap")
}

func TestInstallPushesSecretsBeforeFirstBoot(t *testing.T) {
	cluster := testCluster()
	fleet := &fakeFleet{}
	orchestrator := testOrchestrator(t, cluster, fleet, &fakeCompiler{})

	results := orchestrator.Install(context.Background(), cluster.Hosts[1:2])
	require.Equal(t, StateDone, results[0].State)

	executor := fleet.executors["db-00"]
	joined := strings.Join(executor.commands, "\n")
	pushIdx := strings.Index(joined, "install -m 0600 /dev/stdin /mnt/tmp/secrets.xyz")
	bootIdx := strings.Index(joined, "kld-installer boot")
	require.GreaterOrEqual(t, pushIdx, 0)
	require.GreaterOrEqual(t, bootIdx, 0)
	assert.Less(t, pushIdx, bootIdx, "secret bundle must land before the first service start")

	assert.Contains(t, joined, "wipefs -a /dev/vda")
	assert.Contains(t, joined, "kld-installer write --image /nix/store/db-00-system --hostname db-00 --disks /dev/vda")
}

func TestInstallMissingSecretsIsValidateFailure(t *testing.T) {
	cluster := testCluster()
	fleet := &fakeFleet{}
	orchestrator := testOrchestrator(t, cluster, fleet, &fakeCompiler{})
	orchestrator.SecretsDir = t.TempDir()

	results := orchestrator.Install(context.Background(), cluster.Hosts[0:1])
	require.Len(t, results, 1)
	assert.Equal(t, StateFailed, results[0].State)

	var provisionErr *ProvisionError
	require.ErrorAs(t, results[0].Err, &provisionErr)
	assert.Equal(t, StateValidate, provisionErr.Step)
	var secretErr *secrets.SecretError
	assert.ErrorAs(t, results[0].Err, &secretErr)
}
