package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestGenerate_Deterministic(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.nix":        "{ }",
		"modules/b.go": "package b",
	})

	first, err := Generate(root, "abc123", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	second, err := Generate(root, "abc123", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenerate_ContentChangeChangesDigest(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{"a": "one"})
	before, err := Generate(root, "r", "d")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("two"), 0o644))
	after, err := Generate(root, "r", "d")
	require.NoError(t, err)
	assert.NotEqual(t, before.Digest, after.Digest)
}

func TestGenerate_RenameChangesDigest(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{"a": "same bytes"})
	before, err := Generate(root, "r", "d")
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(root, "a"), filepath.Join(root, "b")))
	after, err := Generate(root, "r", "d")
	require.NoError(t, err)
	assert.NotEqual(t, before.Digest, after.Digest)
}

func TestGenerate_RevisionMetadataChangesDigest(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{"a": "x"})
	one, err := Generate(root, "rev-1", "d")
	require.NoError(t, err)
	two, err := Generate(root, "rev-2", "d")
	require.NoError(t, err)
	assert.NotEqual(t, one.Digest, two.Digest)
}

func TestGenerate_ExcludesMetadataAndRecord(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{"a": "x"})
	base, err := Generate(root, "r", "d")
	require.NoError(t, err)

	// none of these may influence the digest
	extra := writeTree(t, map[string]string{
		"a":                "x",
		".git/HEAD":        "ref: refs/heads/main",
		RecordFile:         "digest = \"stale\"",
		"result/image.img": "artifact",
	})
	same, err := Generate(extra, "r", "d")
	require.NoError(t, err)
	assert.Equal(t, base.Digest, same.Digest)
}

func TestCheck(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{"a": "x"})
	record, err := Generate(root, "r", "d")
	require.NoError(t, err)
	require.NoError(t, Check(root, record))

	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("y"), 0o644))
	err = Check(root, record)
	var drift *DriftMismatchError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, record.Digest, drift.Expected)
	assert.NotEqual(t, drift.Expected, drift.Actual)
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, RecordFile)
	in := Record{Revision: "abc", RevisionDate: "2026-01-01T00:00:00Z", Digest: "ff00"}
	require.NoError(t, WriteRecord(path, in))

	out, err := ReadRecord(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
