// Package fingerprint computes a deterministic, content-addressed digest of
// a deployed source tree, used to prove a node is running exactly the
// source state an operator expects.
//
// The digest covers every tracked file's bytes and path: changing a file's
// content changes the digest, and so does renaming a file while keeping its
// bytes. Build artifacts, VCS metadata, and the record file itself are
// excluded.
package fingerprint

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/zeebo/blake3"
)

// RecordFile is the record's file name inside a source tree or descriptor
// directory.
const RecordFile = "fingerprint.toml"

// RemoteRecordPath is the fixed path on a managed host where the record of
// the deployed tree lives, readable by system-info.
const RemoteRecordPath = "/etc/kld/fingerprint.toml"

// Record certifies one build: the source revision it was produced from and
// the digest of the tree at that revision. It is computed at build time and
// re-derivable at query time; it is compared, never mutated remotely.
type Record struct {
	Revision     string `toml:"revision"`
	RevisionDate string `toml:"revision_date"`
	Digest       string `toml:"digest"`
}

// DriftMismatchError reports that a recomputed digest disagrees with the
// recorded one.
type DriftMismatchError struct {
	Expected string
	Actual   string
}

func (e *DriftMismatchError) Error() string {
	return fmt.Sprintf("source tree drifted from recorded state: recorded digest %s, recomputed %s", e.Expected, e.Actual)
}

// excluded directory and file names, matched against a path's elements.
var excludedNames = map[string]bool{
	".git":   true,
	".hg":    true,
	".svn":   true,
	"result": true, // build artifact link
}

// Generate walks the tree rooted at root and computes its record. The
// revision identifier and its timestamp are caller-provided so the
// computation stays pure.
func Generate(root, revision, revisionDate string) (Record, error) {
	digest, err := treeDigest(root, revision, revisionDate)
	if err != nil {
		return Record{}, err
	}
	return Record{Revision: revision, RevisionDate: revisionDate, Digest: digest}, nil
}

// Check recomputes the tree's digest under the record's revision metadata
// and fails with DriftMismatchError on disagreement. A passing check
// certifies the build reproducible from the recorded revision.
func Check(root string, record Record) error {
	digest, err := treeDigest(root, record.Revision, record.RevisionDate)
	if err != nil {
		return err
	}
	if digest != record.Digest {
		return &DriftMismatchError{Expected: record.Digest, Actual: digest}
	}
	return nil
}

func treeDigest(root, revision, revisionDate string) (string, error) {
	paths, err := collect(root)
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	sum := blake3.New()
	for _, rel := range paths {
		fileSum, err := hashFile(filepath.Join(root, rel))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(sum, "%x  %s\n", fileSum, rel)
	}
	fmt.Fprintf(sum, "revision: %s\n", revision)
	fmt.Fprintf(sum, "revision-date: %s\n", revisionDate)
	return fmt.Sprintf("%x", sum.Sum(nil)), nil
}

// collect enumerates regular files under root, relative slash-separated
// paths, excluding VCS metadata, build artifacts, and the record file.
func collect(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && excludedNames[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if excludedNames[d.Name()] || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == RecordFile {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot enumerate source tree: %w", err)
	}
	return paths, nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot hash %s: %w", path, err)
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("cannot hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// WriteRecord persists the record as TOML.
func WriteRecord(path string, record Record) error {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(record); err != nil {
		return fmt.Errorf("cannot encode fingerprint record: %w", err)
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("cannot write fingerprint record: %w", err)
	}
	return nil
}

// ParseRecord decodes a TOML record, e.g. one fetched from a host.
func ParseRecord(data []byte) (Record, error) {
	var record Record
	if err := toml.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("cannot decode fingerprint record: %w", err)
	}
	return record, nil
}

// ReadRecord loads a record from disk.
func ReadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("cannot read fingerprint record: %w", err)
	}
	return ParseRecord(data)
}
