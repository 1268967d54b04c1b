package handlers

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuutamolabs/kld-mgr/internal/config"
	"github.com/kuutamolabs/kld-mgr/internal/fingerprint"
)

func writeExampleDescription(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.toml")
	require.NoError(t, os.WriteFile(path, []byte(config.Example()), 0o644))
	return path
}

func TestGenerateExample(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, GenerateExample(&out))

	assert.Equal(t, config.Example(), out.String())

	// The template must itself be a valid description.
	_, err := config.Parse(out.String(), t.TempDir())
	assert.NoError(t, err)
}

func TestGenerateConfig(t *testing.T) {
	configPath := writeExampleDescription(t)
	env, _, _ := testEnvironment(configPath)
	outputDir := filepath.Join(t.TempDir(), "descriptors")

	require.NoError(t, GenerateConfig(t.Context(), env, outputDir))

	for _, name := range []string{"ln-00.toml", "db-00.toml", "db-01.toml", "hosts", fingerprint.RecordFile} {
		_, err := os.Stat(filepath.Join(outputDir, name))
		assert.NoError(t, err, name)
	}

	// Secrets are created next to the description.
	secretsDir := filepath.Join(filepath.Dir(configPath), "secrets")
	_, err := os.Stat(filepath.Join(secretsDir, "disk_encryption_key"))
	assert.NoError(t, err)

	record, err := fingerprint.ReadRecord(filepath.Join(outputDir, fingerprint.RecordFile))
	require.NoError(t, err)
	assert.NotEmpty(t, record.Digest)

	// The record must match the tree it describes.
	assert.NoError(t, fingerprint.Check(outputDir, record))
}

func TestGenerateConfigIsStable(t *testing.T) {
	configPath := writeExampleDescription(t)
	env, _, _ := testEnvironment(configPath)
	outputDir := filepath.Join(t.TempDir(), "descriptors")

	require.NoError(t, GenerateConfig(t.Context(), env, outputDir))
	first, err := os.ReadFile(filepath.Join(outputDir, "ln-00.toml"))
	require.NoError(t, err)

	require.NoError(t, GenerateConfig(t.Context(), env, outputDir))
	second, err := os.ReadFile(filepath.Join(outputDir, "ln-00.toml"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSourceRevisionFallsBackToDirty(t *testing.T) {
	t.Chdir(t.TempDir())
	env, _, _ := testEnvironment("")

	revision, date := sourceRevision(t.Context(), env)
	assert.Equal(t, "dirty", revision)
	assert.NotEmpty(t, date)
}
