package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoot(t *testing.T) {
	cmd := Root()

	require.NotNil(t, cmd)
	assert.Equal(t, "kld-mgr", cmd.Use)
}

func TestRoot_HasSubcommands(t *testing.T) {
	cmd := Root()

	expected := []string{
		"generate-example",
		"generate-config",
		"install",
		"dry-update",
		"update",
		"rollback",
		"ssh",
		"unlock",
		"reboot",
		"system-info",
		"version",
	}

	subcommands := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		subcommands[sub.Name()] = true
	}

	for _, name := range expected {
		assert.True(t, subcommands[name], "Expected subcommand %s not found", name)
	}
}

func TestRoot_ConfigFlagDefault(t *testing.T) {
	cmd := Root()

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "cluster.toml", flag.DefValue)
}

func TestRoot_ConfigFlagFromEnvironment(t *testing.T) {
	t.Setenv("KLD_MGR_CONFIG", "/etc/fleet/production.toml")

	cmd := Root()

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "/etc/fleet/production.toml", flag.DefValue)
}

func TestHostTargetingCommandsHaveHostsFlag(t *testing.T) {
	cmd := Root()

	for _, name := range []string{"install", "dry-update", "update", "rollback", "ssh", "unlock", "reboot", "system-info"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.NotNil(t, sub.Flags().Lookup("hosts"), "command %s should take --hosts", name)
	}
}
