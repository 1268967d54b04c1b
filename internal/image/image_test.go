package image

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuutamolabs/kld-mgr/internal/config"
)

func testCluster() *config.Cluster {
	return &config.Cluster{
		Global: config.Global{DeploymentRepo: "github.com/kuutamolabs/deployment"},
		Hosts: []config.HostSpec{
			{
				Name: "ln-00",
				Role: config.RoleApplication,
				IPv4: &config.Network{
					Address: netip.MustParseAddr("192.168.0.10"),
					Prefix:  24,
					Gateway: netip.MustParseAddr("192.168.0.1"),
				},
				PublicSSHKeys:  []string{"ssh-ed25519 AAAA op"},
				Disks:          []string{"/dev/nvme0n1"},
				LogLevel:       "info",
				APIPort:        2244,
				UpgradeStagger: 0,
				Peers: []config.Peer{
					{Name: "db-00", Address: netip.MustParseAddr("192.168.0.20")},
				},
			},
			{
				Name: "db-00",
				Role: config.RoleDatabase,
				IPv4: &config.Network{
					Address: netip.MustParseAddr("192.168.0.20"),
					Prefix:  24,
					Gateway: netip.MustParseAddr("192.168.0.1"),
				},
				PublicSSHKeys:  []string{"ssh-ed25519 AAAA op"},
				Disks:          []string{"/dev/nvme0n1"},
				LogLevel:       "info",
				APIPort:        2244,
				UpgradeStagger: 0,
			},
		},
	}
}

func TestWriteDescriptors(t *testing.T) {
	dir := t.TempDir()
	cluster := testCluster()

	require.NoError(t, WriteDescriptors(dir, cluster))

	content, err := os.ReadFile(filepath.Join(dir, "ln-00.toml"))
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, `deployment_repo = "github.com/kuutamolabs/deployment"`)
	assert.Contains(t, text, `role = "application"`)
	assert.Contains(t, text, `ipv4_address = "192.168.0.10"`)
	assert.Contains(t, text, `name = "db-00"`)

	_, err = os.Stat(filepath.Join(dir, "db-00.toml"))
	assert.NoError(t, err)

	hosts, err := os.ReadFile(filepath.Join(dir, HostsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(hosts), "192.168.0.10 ln-00")
	assert.Contains(t, string(hosts), "192.168.0.20 db-00")
}

func TestDescriptorEncodingIsDeterministic(t *testing.T) {
	cluster := testCluster()
	d := DescriptorFor(&cluster.Hosts[0], &cluster.Global)

	first, err := d.Encode()
	require.NoError(t, err)
	second, err := DescriptorFor(&cluster.Hosts[0], &cluster.Global).Encode()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDescriptorOmitsMonitoringCredentials(t *testing.T) {
	cluster := testCluster()
	cluster.Hosts[0].Monitoring = &config.Monitoring{
		URL:      "https://metrics.example.com/write",
		Username: "operator",
		Password: "hunter2",
	}

	content, err := DescriptorFor(&cluster.Hosts[0], &cluster.Global).Encode()
	require.NoError(t, err)
	assert.Contains(t, string(content), "metrics.example.com")
	assert.NotContains(t, string(content), "hunter2")
	assert.NotContains(t, string(content), "operator")
}

func TestPolicyFor(t *testing.T) {
	app := PolicyFor(config.RoleApplication)
	assert.True(t, app.MemoryDenyWriteExecute)
	assert.Contains(t, app.ReadWritePaths, "/var/lib/kld")

	db := PolicyFor(config.RoleDatabase)
	assert.False(t, db.MemoryDenyWriteExecute)
	assert.Contains(t, db.ReadWritePaths, "/var/lib/cockroachdb")
}

func TestExecCompiler(t *testing.T) {
	dir := t.TempDir()
	builder := filepath.Join(dir, "builder")
	script := "#!/bin/sh\necho building >&2\necho /nix/store/abc123-system\n"
	require.NoError(t, os.WriteFile(builder, []byte(script), 0o755))

	cluster := testCluster()
	compiler := &ExecCompiler{Command: builder, Dir: dir}
	ref, err := compiler.Compile(context.Background(), &cluster.Hosts[0])
	require.NoError(t, err)
	assert.Equal(t, Ref("/nix/store/abc123-system"), ref)
}

func TestExecCompilerFailure(t *testing.T) {
	dir := t.TempDir()
	builder := filepath.Join(dir, "builder")
	script := "#!/bin/sh\necho broken input >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(builder, []byte(script), 0o755))

	cluster := testCluster()
	compiler := &ExecCompiler{Command: builder, Dir: dir}
	_, err := compiler.Compile(context.Background(), &cluster.Hosts[0])
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ln-00"))
	assert.True(t, strings.Contains(err.Error(), "broken input"))
}
