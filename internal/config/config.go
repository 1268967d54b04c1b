// Package config loads the operator-authored cluster description and
// resolves it into one immutable HostSpec per host.
//
// Resolution is a pure function of the description file: re-resolving
// identical input yields an identical, identically-ordered HostSpec list.
// Host order in the description is significant and preserved; it drives
// install and upgrade sequencing.
package config

import (
	"fmt"
	"net/netip"
)

// Role identifies what a host runs.
type Role string

const (
	// RoleApplication runs the Lightning router with its embedded chain
	// indexer and wallet services.
	RoleApplication Role = "application"
	// RoleDatabase runs a node of the quorum-bearing distributed SQL store.
	RoleDatabase Role = "database"
)

// DefaultAPIPort is the application node's REST API port.
const DefaultAPIPort = 2244

// ConfigError reports a description resolution or validation failure. It is
// always local: no remote call is made before the whole description
// resolves cleanly.
type ConfigError struct {
	Host   string // offending host name, empty for description-level problems
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("cluster description: %s", e.Reason)
	}
	return fmt.Sprintf("hosts.%s: %s", e.Host, e.Reason)
}

// Global holds settings affecting all hosts.
type Global struct {
	// DeploymentRepo is the source-of-truth repository reference compiled
	// into every system image.
	DeploymentRepo string `toml:"deployment_repo"`
	// AccessTokens grants the image build access to the deployment repo and
	// its inputs.
	AccessTokens string `toml:"access_tokens"`
	// SecretDirectory is where certificates and keys live on the operator
	// machine. Relative paths resolve against the description file.
	SecretDirectory string `toml:"secret_directory"`
	// ImageBuilder is the external system-image compiler command.
	ImageBuilder string `toml:"image_builder"`
	// InstallerImageURL is the transient installer image booted during
	// bare-metal provisioning.
	InstallerImageURL string `toml:"installer_image_url"`
}

// HostDefaults carries fallback values applied to every host that does not
// override them. Scalar fields: override wins if present. List fields:
// override replaces, it does not append.
type HostDefaults struct {
	Role               string   `toml:"role"`
	IPv4Gateway        string   `toml:"ipv4_gateway"`
	IPv4Prefix         *int     `toml:"ipv4_prefix"`
	IPv6Gateway        string   `toml:"ipv6_gateway"`
	IPv6Prefix         *int     `toml:"ipv6_prefix"`
	InstallSSHUser     string   `toml:"install_ssh_user"`
	PublicSSHKeys      []string `toml:"public_ssh_keys"`
	Disks              []string `toml:"disks"`
	ChainDisks         []string `toml:"chain_disks"`
	ExtraModules       []string `toml:"extra_modules"`
	LogLevel           string   `toml:"log_level"`
	MonitoringURL      string   `toml:"monitoring_url"`
	MonitoringUsername string   `toml:"monitoring_username"`
	MonitoringPassword string   `toml:"monitoring_password"`
	LogForwardURL      string   `toml:"log_forward_url"`
	NetworkInterface   string   `toml:"network_interface"`
}

// HostOverride is the raw per-host table of the description file.
type HostOverride struct {
	Role                string   `toml:"role"`
	IPv4Address         string   `toml:"ipv4_address"`
	IPv4Gateway         string   `toml:"ipv4_gateway"`
	IPv4Prefix          *int     `toml:"ipv4_prefix"`
	IPv6Address         string   `toml:"ipv6_address"`
	IPv6Gateway         string   `toml:"ipv6_gateway"`
	IPv6Prefix          *int     `toml:"ipv6_prefix"`
	SSHHostname         string   `toml:"ssh_hostname"`
	InstallSSHUser      string   `toml:"install_ssh_user"`
	PublicSSHKeys       []string `toml:"public_ssh_keys"`
	Disks               []string `toml:"disks"`
	ChainDisks          []string `toml:"chain_disks"`
	ExtraModules        []string `toml:"extra_modules"`
	NodeAlias           string   `toml:"node_alias"`
	LogLevel            string   `toml:"log_level"`
	APIPort             *int     `toml:"api_port"`
	APIAccessList       []string `toml:"api_access_list"`
	AdvertisedAddresses []string `toml:"advertised_addresses"`
	UpgradeStagger      *int     `toml:"upgrade_stagger"`
	NetworkInterface    string   `toml:"network_interface"`
	MonitoringURL       string   `toml:"monitoring_url"`
	MonitoringUsername  string   `toml:"monitoring_username"`
	MonitoringPassword  string   `toml:"monitoring_password"`
	LogForwardURL       string   `toml:"log_forward_url"`
}

// Network is one address family's configuration. A present family always
// carries address, prefix, and gateway.
type Network struct {
	Address netip.Addr
	Prefix  int
	Gateway netip.Addr
}

// Peer identifies a database-role host other hosts join.
type Peer struct {
	Name    string
	Address netip.Addr
}

// Monitoring holds the metrics/log shipping endpoints configured for a host.
type Monitoring struct {
	URL           string
	Username      string
	Password      string
	LogForwardURL string
}

// HostSpec is a fully-resolved host. It is immutable once resolved.
type HostSpec struct {
	Name                string
	Role                Role
	IPv4                *Network
	IPv6                *Network
	SSHHostname         string
	InstallUser         string
	PublicSSHKeys       []string
	Disks               []string
	ChainDisks          []string
	ExtraModules        []string
	Peers               []Peer // database-role hosts, description order
	NodeAlias           string
	LogLevel            string
	APIPort             int
	APIAccessList       []netip.Addr
	AdvertisedAddresses []string
	UpgradeStagger      int
	NetworkInterface    string
	Monitoring          *Monitoring
}

// Address returns the host's primary address, preferring IPv4.
func (h *HostSpec) Address() netip.Addr {
	if h.IPv4 != nil {
		return h.IPv4.Address
	}
	if h.IPv6 != nil {
		return h.IPv6.Address
	}
	return netip.Addr{}
}

// Target is the ssh destination for the installed system.
func (h *HostSpec) Target() string {
	return "root@" + h.SSHHostname
}

// InstallTarget is the ssh destination used during bare-metal provisioning,
// before the managed system exists.
func (h *HostSpec) InstallTarget() string {
	return h.InstallUser + "@" + h.SSHHostname
}

// Cluster is the resolved description: global settings plus hosts in
// description order.
type Cluster struct {
	Global Global
	Hosts  []HostSpec
}

// Host returns the named host spec, if present.
func (c *Cluster) Host(name string) (*HostSpec, bool) {
	for i := range c.Hosts {
		if c.Hosts[i].Name == name {
			return &c.Hosts[i], true
		}
	}
	return nil, false
}

// DatabaseHosts returns the database-role hosts in description order.
func (c *Cluster) DatabaseHosts() []HostSpec {
	var out []HostSpec
	for _, h := range c.Hosts {
		if h.Role == RoleDatabase {
			out = append(out, h)
		}
	}
	return out
}

// BootstrapHost returns the cluster's first database host, the one that must
// reach Done before any peer that references it in its join list is started.
// Nil when the description has no database role.
func (c *Cluster) BootstrapHost() *HostSpec {
	for i := range c.Hosts {
		if c.Hosts[i].Role == RoleDatabase {
			return &c.Hosts[i]
		}
	}
	return nil
}

// HostsFile renders the static host-name mapping distributed to every
// member of the fleet, one "address name" line per configured family.
func (c *Cluster) HostsFile() string {
	var out string
	for _, h := range c.Hosts {
		if h.IPv4 != nil {
			out += fmt.Sprintf("%s %s\n", h.IPv4.Address, h.Name)
		}
		if h.IPv6 != nil {
			out += fmt.Sprintf("%s %s\n", h.IPv6.Address, h.Name)
		}
	}
	return out
}
