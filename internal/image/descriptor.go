// Package image bridges the resolved cluster description and the external
// system-image builder. It writes the per-host descriptors the builder
// consumes and invokes the builder to obtain activatable image references.
package image

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/kuutamolabs/kld-mgr/internal/config"
)

// HostsFileName maps addresses to host names for the fleet, consumed by the
// image as a static name resolution table.
const HostsFileName = "hosts"

// Descriptor is the builder-facing form of one resolved host. Field order
// is fixed so two encodings of the same host are byte-identical, which the
// update dry run relies on when diffing against a host's active descriptor.
type Descriptor struct {
	DeploymentRepo      string        `toml:"deployment_repo"`
	UpgradeStagger      int           `toml:"upgrade_stagger"`
	Name                string        `toml:"name"`
	Role                string        `toml:"role"`
	IPv4Address         string        `toml:"ipv4_address,omitempty"`
	IPv4Gateway         string        `toml:"ipv4_gateway,omitempty"`
	IPv4Prefix          int           `toml:"ipv4_prefix,omitempty"`
	IPv6Address         string        `toml:"ipv6_address,omitempty"`
	IPv6Gateway         string        `toml:"ipv6_gateway,omitempty"`
	IPv6Prefix          int           `toml:"ipv6_prefix,omitempty"`
	NetworkInterface    string        `toml:"network_interface,omitempty"`
	PublicSSHKeys       []string      `toml:"public_ssh_keys"`
	Disks               []string      `toml:"disks"`
	ChainDisks          []string      `toml:"chain_disks,omitempty"`
	ExtraModules        []string      `toml:"extra_modules,omitempty"`
	NodeAlias           string        `toml:"node_alias,omitempty"`
	LogLevel            string        `toml:"log_level"`
	APIPort             int           `toml:"api_port"`
	APIAccessList       []string      `toml:"api_access_list,omitempty"`
	AdvertisedAddresses []string      `toml:"advertised_addresses,omitempty"`
	Peers               []PeerEntry   `toml:"peers,omitempty"`
	Monitoring          *Monitoring   `toml:"monitoring,omitempty"`
	Sandbox             SandboxPolicy `toml:"sandbox"`
}

// PeerEntry is one database quorum member in a descriptor.
type PeerEntry struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
}

// Monitoring mirrors config.Monitoring without the credentials, which travel
// in the secret bundle instead of the descriptor.
type Monitoring struct {
	URL           string `toml:"url,omitempty"`
	LogForwardURL string `toml:"log_forward_url,omitempty"`
}

// SandboxPolicy names the isolation restrictions the image's process
// supervisor is asked to apply to the managed services. The orchestrator
// only declares the policy, enforcement is entirely the supervisor's.
type SandboxPolicy struct {
	NoNewPrivileges        bool     `toml:"no_new_privileges"`
	ProtectSystem          string   `toml:"protect_system"`
	ProtectHome            bool     `toml:"protect_home"`
	PrivateTmp             bool     `toml:"private_tmp"`
	MemoryDenyWriteExecute bool     `toml:"memory_deny_write_execute"`
	ReadWritePaths         []string `toml:"read_write_paths"`
}

// PolicyFor returns the sandbox policy for a role. Database hosts keep
// write-execute memory since the store JIT-compiles queries.
func PolicyFor(role config.Role) SandboxPolicy {
	policy := SandboxPolicy{
		NoNewPrivileges:        true,
		ProtectSystem:          "strict",
		ProtectHome:            true,
		PrivateTmp:             true,
		MemoryDenyWriteExecute: true,
		ReadWritePaths:         []string{"/var/lib/secrets"},
	}
	switch role {
	case config.RoleApplication:
		policy.ReadWritePaths = append(policy.ReadWritePaths, "/var/lib/kld")
	case config.RoleDatabase:
		policy.MemoryDenyWriteExecute = false
		policy.ReadWritePaths = append(policy.ReadWritePaths, "/var/lib/cockroachdb")
	}
	return policy
}

// DescriptorFor converts a resolved host into its builder descriptor.
func DescriptorFor(host *config.HostSpec, global *config.Global) *Descriptor {
	d := &Descriptor{
		DeploymentRepo:      global.DeploymentRepo,
		UpgradeStagger:      host.UpgradeStagger,
		Name:                host.Name,
		Role:                string(host.Role),
		NetworkInterface:    host.NetworkInterface,
		PublicSSHKeys:       host.PublicSSHKeys,
		Disks:               host.Disks,
		ChainDisks:          host.ChainDisks,
		ExtraModules:        host.ExtraModules,
		NodeAlias:           host.NodeAlias,
		LogLevel:            host.LogLevel,
		APIPort:             host.APIPort,
		AdvertisedAddresses: host.AdvertisedAddresses,
		Sandbox:             PolicyFor(host.Role),
	}
	if host.IPv4 != nil {
		d.IPv4Address = host.IPv4.Address.String()
		d.IPv4Gateway = host.IPv4.Gateway.String()
		d.IPv4Prefix = host.IPv4.Prefix
	}
	if host.IPv6 != nil {
		d.IPv6Address = host.IPv6.Address.String()
		d.IPv6Gateway = host.IPv6.Gateway.String()
		d.IPv6Prefix = host.IPv6.Prefix
	}
	for _, addr := range host.APIAccessList {
		d.APIAccessList = append(d.APIAccessList, addr.String())
	}
	for _, peer := range host.Peers {
		d.Peers = append(d.Peers, PeerEntry{Name: peer.Name, Address: peer.Address.String()})
	}
	if m := host.Monitoring; m != nil {
		d.Monitoring = &Monitoring{URL: m.URL, LogForwardURL: m.LogForwardURL}
	}
	return d
}

// Encode renders the descriptor as deterministic TOML.
func (d *Descriptor) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(d); err != nil {
		return nil, fmt.Errorf("failed to encode descriptor for %s: %w", d.Name, err)
	}
	return buf.Bytes(), nil
}

// WriteDescriptors writes one TOML descriptor per host plus the fleet hosts
// file into dir. It only touches the local filesystem.
func WriteDescriptors(dir string, cluster *config.Cluster) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create descriptor directory: %w", err)
	}
	for i := range cluster.Hosts {
		host := &cluster.Hosts[i]
		content, err := DescriptorFor(host, &cluster.Global).Encode()
		if err != nil {
			return err
		}
		target := filepath.Join(dir, host.Name+".toml")
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
	}
	hostsFile := filepath.Join(dir, HostsFileName)
	if err := os.WriteFile(hostsFile, []byte(cluster.HostsFile()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", hostsFile, err)
	}
	return nil
}
