package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// description is the raw shape of the cluster description file.
type description struct {
	Global       Global                  `toml:"global"`
	HostDefaults HostDefaults            `toml:"host_defaults"`
	Hosts        map[string]HostOverride `toml:"hosts"`
}

var hostNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// The decoder reports a repeated [hosts.X] table as a generic redefinition
// error; match it so the operator sees the duplicate host by name.
var duplicateHostRe = regexp.MustCompile(`Key 'hosts\.([^'.]+)' has already been defined`)

// Load reads and resolves a cluster description file.
func Load(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read cluster description: %w", err)
	}
	return Parse(string(data), filepath.Dir(path))
}

// Parse resolves a cluster description. baseDir anchors relative paths such
// as the secrets directory. Resolution is pure: identical input always
// yields an identical, identically-ordered host list.
func Parse(content, baseDir string) (*Cluster, error) {
	var d description
	md, err := toml.Decode(content, &d)
	if err != nil {
		if m := duplicateHostRe.FindStringSubmatch(err.Error()); m != nil {
			return nil, &ConfigError{Host: m[1], Reason: "duplicate host name"}
		}
		return nil, &ConfigError{Reason: err.Error()}
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown keys: %s", strings.Join(keys, ", "))}
	}

	global := d.Global
	if global.SecretDirectory == "" {
		global.SecretDirectory = "secrets"
	}
	if !filepath.IsAbs(global.SecretDirectory) {
		global.SecretDirectory = filepath.Join(baseDir, global.SecretDirectory)
	}

	cluster := &Cluster{Global: global}
	staggerByRole := map[Role]int{}
	for _, name := range hostOrder(md) {
		spec, err := resolveHost(name, d.Hosts[name], &d.HostDefaults)
		if err != nil {
			return nil, err
		}
		if spec.UpgradeStagger < 0 {
			spec.UpgradeStagger = staggerByRole[spec.Role]
		}
		staggerByRole[spec.Role]++
		cluster.Hosts = append(cluster.Hosts, *spec)
	}

	if err := resolvePeers(cluster); err != nil {
		return nil, err
	}
	if err := validateStagger(cluster); err != nil {
		return nil, err
	}
	return cluster, nil
}

// hostOrder recovers the document order of the [hosts.*] tables, which the
// decoded map has discarded. The decoder has already rejected duplicates.
func hostOrder(md toml.MetaData) []string {
	var names []string
	for _, key := range md.Keys() {
		if len(key) == 2 && key[0] == "hosts" {
			names = append(names, key[1])
		}
	}
	return names
}

func resolveHost(name string, host HostOverride, defaults *HostDefaults) (*HostSpec, error) {
	if !hostNameRe.MatchString(name) {
		return nil, &ConfigError{Host: name, Reason: "host name must match [a-z0-9][a-z0-9-]{0,62}"}
	}

	role := scalar(host.Role, defaults.Role)
	switch Role(role) {
	case RoleApplication, RoleDatabase:
	case "":
		return nil, &ConfigError{Host: name, Reason: "no role configured"}
	default:
		return nil, &ConfigError{Host: name, Reason: fmt.Sprintf("unknown role %q", role)}
	}

	ipv4, err := resolveIPv4(name, &host, defaults)
	if err != nil {
		return nil, err
	}
	ipv6, err := resolveIPv6(name, &host, defaults)
	if err != nil {
		return nil, err
	}
	if ipv4 == nil && ipv6 == nil {
		return nil, &ConfigError{Host: name, Reason: "no network configured"}
	}

	disks := replace(host.Disks, defaults.Disks)
	if len(disks) == 0 {
		return nil, &ConfigError{Host: name, Reason: "no disks configured"}
	}
	sshKeys := replace(host.PublicSSHKeys, defaults.PublicSSHKeys)
	if len(sshKeys) == 0 {
		return nil, &ConfigError{Host: name, Reason: "no public ssh keys configured"}
	}

	if host.NodeAlias != "" {
		if len(host.NodeAlias) > 32 || !isASCII(host.NodeAlias) {
			return nil, &ConfigError{Host: name, Reason: "node alias must be at most 32 ascii characters"}
		}
	}

	var accessList []netip.Addr
	for _, raw := range host.APIAccessList {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, &ConfigError{Host: name, Reason: fmt.Sprintf("invalid api access list entry %q", raw)}
		}
		accessList = append(accessList, addr)
	}

	spec := &HostSpec{
		Name:                name,
		Role:                Role(role),
		IPv4:                ipv4,
		IPv6:                ipv6,
		InstallUser:         scalar(host.InstallSSHUser, scalar(defaults.InstallSSHUser, "root")),
		PublicSSHKeys:       sshKeys,
		Disks:               disks,
		ChainDisks:          replace(host.ChainDisks, defaults.ChainDisks),
		ExtraModules:        replace(host.ExtraModules, defaults.ExtraModules),
		NodeAlias:           host.NodeAlias,
		LogLevel:            scalar(host.LogLevel, scalar(defaults.LogLevel, "info")),
		APIPort:             DefaultAPIPort,
		APIAccessList:       accessList,
		AdvertisedAddresses: host.AdvertisedAddresses,
		UpgradeStagger:      -1, // assigned from role ordinal unless overridden
		NetworkInterface:    scalar(host.NetworkInterface, defaults.NetworkInterface),
	}
	if host.APIPort != nil {
		spec.APIPort = *host.APIPort
	}
	if host.UpgradeStagger != nil {
		if *host.UpgradeStagger < 0 {
			return nil, &ConfigError{Host: name, Reason: "upgrade_stagger must not be negative"}
		}
		spec.UpgradeStagger = *host.UpgradeStagger
	}

	spec.SSHHostname = host.SSHHostname
	if spec.SSHHostname == "" {
		spec.SSHHostname = spec.Address().String()
	}

	if url := scalar(host.MonitoringURL, defaults.MonitoringURL); url != "" || scalar(host.LogForwardURL, defaults.LogForwardURL) != "" {
		spec.Monitoring = &Monitoring{
			URL:           url,
			Username:      scalar(host.MonitoringUsername, defaults.MonitoringUsername),
			Password:      scalar(host.MonitoringPassword, defaults.MonitoringPassword),
			LogForwardURL: scalar(host.LogForwardURL, defaults.LogForwardURL),
		}
	}

	return spec, nil
}

func resolveIPv4(name string, host *HostOverride, defaults *HostDefaults) (*Network, error) {
	if host.IPv4Address == "" {
		return nil, nil
	}
	addr, err := netip.ParseAddr(host.IPv4Address)
	if err != nil || !addr.Is4() {
		return nil, &ConfigError{Host: name, Reason: fmt.Sprintf("invalid ipv4 address %q", host.IPv4Address)}
	}
	gw := scalar(host.IPv4Gateway, defaults.IPv4Gateway)
	if gw == "" {
		return nil, &ConfigError{Host: name, Reason: "ipv4 address without gateway"}
	}
	gateway, err := netip.ParseAddr(gw)
	if err != nil || !gateway.Is4() {
		return nil, &ConfigError{Host: name, Reason: fmt.Sprintf("invalid ipv4 gateway %q", gw)}
	}
	prefix := host.IPv4Prefix
	if prefix == nil {
		prefix = defaults.IPv4Prefix
	}
	if prefix == nil {
		return nil, &ConfigError{Host: name, Reason: "ipv4 address without prefix"}
	}
	if *prefix < 0 || *prefix > 32 {
		return nil, &ConfigError{Host: name, Reason: fmt.Sprintf("ipv4 prefix %d out of range", *prefix)}
	}
	return &Network{Address: addr, Prefix: *prefix, Gateway: gateway}, nil
}

// resolveIPv6 accepts a bare address or the "addr/prefix" form some
// providers hand out; a prefix embedded in the address wins over a missing
// ipv6_prefix field.
func resolveIPv6(name string, host *HostOverride, defaults *HostDefaults) (*Network, error) {
	if host.IPv6Address == "" {
		return nil, nil
	}
	raw := host.IPv6Address
	var embedded *int
	if idx := strings.IndexByte(raw, '/'); idx >= 0 {
		n, err := strconv.Atoi(raw[idx+1:])
		if err != nil {
			return nil, &ConfigError{Host: name, Reason: fmt.Sprintf("invalid ipv6 address %q", raw)}
		}
		embedded = &n
		raw = raw[:idx]
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || !addr.Is6() || addr.Is4In6() {
		return nil, &ConfigError{Host: name, Reason: fmt.Sprintf("invalid ipv6 address %q", host.IPv6Address)}
	}
	gw := scalar(host.IPv6Gateway, defaults.IPv6Gateway)
	if gw == "" {
		return nil, &ConfigError{Host: name, Reason: "ipv6 address without gateway"}
	}
	gateway, err := netip.ParseAddr(gw)
	if err != nil || !gateway.Is6() {
		return nil, &ConfigError{Host: name, Reason: fmt.Sprintf("invalid ipv6 gateway %q", gw)}
	}
	prefix := host.IPv6Prefix
	if prefix == nil {
		prefix = defaults.IPv6Prefix
	}
	if prefix == nil {
		prefix = embedded
	}
	if prefix == nil {
		return nil, &ConfigError{Host: name, Reason: "ipv6 address without prefix"}
	}
	if *prefix < 0 || *prefix > 128 {
		return nil, &ConfigError{Host: name, Reason: fmt.Sprintf("ipv6 prefix %d out of range", *prefix)}
	}
	return &Network{Address: addr, Prefix: *prefix, Gateway: gateway}, nil
}

// resolvePeers derives the database join list every host receives. With more
// than one member, each must be resolvable through the fleet's static
// host-name mapping, i.e. carry at least one address.
func resolvePeers(cluster *Cluster) error {
	var peers []Peer
	for _, h := range cluster.Hosts {
		if h.Role != RoleDatabase {
			continue
		}
		addr := h.Address()
		if !addr.IsValid() {
			return &ConfigError{Host: h.Name, Reason: "database peer is not resolvable"}
		}
		peers = append(peers, Peer{Name: h.Name, Address: addr})
	}
	for i := range cluster.Hosts {
		cluster.Hosts[i].Peers = append([]Peer(nil), peers...)
	}
	return nil
}

// validateStagger rejects colliding activation ordinals within the
// quorum-bearing role; overlapping windows would put two database hosts
// mid-upgrade at once.
func validateStagger(cluster *Cluster) error {
	seen := map[int]string{}
	for _, h := range cluster.Hosts {
		if h.Role != RoleDatabase {
			continue
		}
		if other, ok := seen[h.UpgradeStagger]; ok {
			return &ConfigError{
				Host:   h.Name,
				Reason: fmt.Sprintf("upgrade_stagger %d collides with hosts.%s", h.UpgradeStagger, other),
			}
		}
		seen[h.UpgradeStagger] = h.Name
	}
	return nil
}

func scalar(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

func replace(override, fallback []string) []string {
	if override != nil {
		return override
	}
	return fallback
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// FilterHosts resolves a comma-separated host selection against the
// cluster. An empty selection targets every host, in description order.
func FilterHosts(selection string, cluster *Cluster) ([]HostSpec, error) {
	if selection == "" {
		return cluster.Hosts, nil
	}
	var out []HostSpec
	for _, name := range strings.Split(selection, ",") {
		name = strings.TrimSpace(name)
		h, ok := cluster.Host(name)
		if !ok {
			return nil, fmt.Errorf("no host named %q in cluster description", name)
		}
		out = append(out, *h)
	}
	return out, nil
}
