// Package secrets materializes and distributes the per-host secret bundles
// a fleet needs: mutual-TLS certificate authorities and leaf certificates
// for both roles, SSH host keys for the encrypted-disk unlock daemon, and
// the disk-encryption key.
//
// All material is created once and never silently regenerated: Ensure only
// fills gaps, so re-running after a partial failure is safe. Pushing to a
// host stages files in a temporary location and renames them into place, so
// a cancelled push is observably all-or-nothing.
package secrets

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/kuutamolabs/kld-mgr/internal/config"
)

// Directory layout under the operator's secrets directory.
const (
	applicationDir = "application"
	databaseDir    = "database"
	sshDir         = "ssh"
	diskKeyFile    = "disk_encryption_key"
)

// RemoteSecretsPath is where a host's bundle lands, owned and readable only
// by the consuming services.
const RemoteSecretsPath = "/var/lib/secrets"

// DiskKeyPath locates the fleet's shared disk-encryption key under the
// operator's secrets directory.
func DiskKeyPath(dir string) string {
	return filepath.Join(dir, diskKeyFile)
}

// SecretError reports missing or invalid certificate material.
type SecretError struct {
	Path   string
	Reason string
}

func (e *SecretError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("secret material: %s", e.Reason)
	}
	return fmt.Sprintf("secret material %s: %s", e.Path, e.Reason)
}

// File is one secret staged for distribution to a host.
type File struct {
	RemotePath string
	Content    []byte
	Mode       fs.FileMode
}

// Bundle is the complete secret set for one host.
type Bundle struct {
	Host  string
	Files []File
}

// BundleFor assembles a host's bundle from the secrets directory. The file
// set is role-dependent: database hosts carry the store's node pair and the
// root client pair; application hosts carry their mTLS leaf plus the
// database client pair their SQL client presents. SecretError when any
// required source file is absent, meaning Ensure has not run yet.
func BundleFor(host *config.HostSpec, dir, accessTokens string) (*Bundle, error) {
	b := &Bundle{Host: host.Name}

	read := func(parts ...string) ([]byte, error) {
		return readSecret(filepath.Join(append([]string{dir}, parts...)...))
	}

	type entry struct {
		remote string
		parts  []string
		mode   fs.FileMode
	}
	var entries []entry
	switch host.Role {
	case config.RoleApplication:
		entries = []entry{
			{"kld/ca.pem", []string{applicationDir, "ca.pem"}, 0o600},
			{"kld/node.pem", []string{applicationDir, host.Name + ".pem"}, 0o600},
			{"kld/node.key", []string{applicationDir, host.Name + ".key"}, 0o600},
			{"cockroachdb/ca.pem", []string{databaseDir, "ca.pem"}, 0o600},
			{"cockroachdb/client.kld.pem", []string{databaseDir, "client.kld.pem"}, 0o600},
			{"cockroachdb/client.kld.key", []string{databaseDir, "client.kld.key"}, 0o600},
		}
	case config.RoleDatabase:
		entries = []entry{
			{"cockroachdb/ca.pem", []string{databaseDir, "ca.pem"}, 0o600},
			{"cockroachdb/node.pem", []string{databaseDir, host.Name + ".node.pem"}, 0o600},
			{"cockroachdb/node.key", []string{databaseDir, host.Name + ".node.key"}, 0o600},
			{"cockroachdb/client.root.pem", []string{databaseDir, "client.root.pem"}, 0o600},
			{"cockroachdb/client.root.key", []string{databaseDir, "client.root.key"}, 0o600},
		}
	default:
		return nil, &SecretError{Reason: fmt.Sprintf("no bundle layout for role %q", host.Role)}
	}
	entries = append(entries,
		entry{"sshd_key", []string{sshDir, host.Name}, 0o600},
		entry{"sshd_key.pub", []string{sshDir, host.Name + ".pub"}, 0o644},
		entry{diskKeyFile, []string{diskKeyFile}, 0o600},
	)

	for _, e := range entries {
		content, err := read(e.parts...)
		if err != nil {
			return nil, err
		}
		b.Files = append(b.Files, File{
			RemotePath: path.Join(RemoteSecretsPath, e.remote),
			Content:    content,
			Mode:       e.mode,
		})
	}

	if accessTokens != "" {
		b.Files = append(b.Files, File{
			RemotePath: path.Join(RemoteSecretsPath, "access-tokens"),
			Content:    []byte(fmt.Sprintf("ACCESS_TOKENS=%s\n", accessTokens)),
			Mode:       0o600,
		})
	}
	if m := host.Monitoring; m != nil {
		if m.URL != "" {
			b.Files = append(b.Files, File{
				RemotePath: path.Join(RemoteSecretsPath, "telegraf"),
				Content: []byte(fmt.Sprintf("MONITORING_URL=%s\nMONITORING_USERNAME=%s\nMONITORING_PASSWORD=%s\n",
					m.URL, m.Username, m.Password)),
				Mode: 0o600,
			})
		}
		if m.LogForwardURL != "" {
			b.Files = append(b.Files, File{
				RemotePath: path.Join(RemoteSecretsPath, "promtail"),
				Content:    []byte(fmt.Sprintf("CLIENT_URL=%s\n", m.LogForwardURL)),
				Mode:       0o600,
			})
		}
	}

	return b, nil
}
