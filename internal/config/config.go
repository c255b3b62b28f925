// Package config loads and validates the provisioning configuration.
//
// The file is YAML. Every field has a default except the VPN credentials,
// which may also come from the environment so they stay out of the file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"go4.org/netipx"
	"gopkg.in/yaml.v3"
)

const (
	EnvUsername = "IKEV2_VPN_USERNAME"
	EnvPassword = "IKEV2_VPN_PASSWORD"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var (
	usernamePattern  = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)
	interfacePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,15}$`)
	unitPattern      = regexp.MustCompile(`^[A-Za-z0-9_.@-]+$`)
)

// Config is the full provisioning input. It is loaded once and passed by
// value; nothing mutates it after Load returns.
type Config struct {
	VPN      VPN      `yaml:"vpn"`
	PKI      PKI      `yaml:"pki"`
	Network  Network  `yaml:"network"`
	Firewall Firewall `yaml:"firewall"`
	Packages Packages `yaml:"packages"`
	Service  Service  `yaml:"service"`
	Paths    Paths    `yaml:"paths"`
	State    State    `yaml:"state"`
	Status   Status   `yaml:"status"`
}

type VPN struct {
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	ClientPool string   `yaml:"client_pool"`
	DNS        []string `yaml:"dns"`
}

type PKI struct {
	Binary             string `yaml:"binary"`
	CADN               string `yaml:"ca_dn"`
	// ServerDN defaults to CN=<public ip> when empty.
	ServerDN           string `yaml:"server_dn"`
	CAKeySize          int    `yaml:"ca_key_size"`
	ServerKeySize      int    `yaml:"server_key_size"`
	CAValidityDays     int    `yaml:"ca_validity_days"`
	ServerValidityDays int    `yaml:"server_validity_days"`
}

type Network struct {
	// WANInterface and PublicIP skip detection when set.
	WANInterface  string        `yaml:"wan_interface"`
	PublicIP      string        `yaml:"public_ip"`
	IPEchoURLs    []string      `yaml:"ip_echo_urls"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeAttempts int           `yaml:"probe_attempts"`
	RouteTable    string        `yaml:"route_table"`
}

type Firewall struct {
	ManagementPort int    `yaml:"management_port"`
	Binary         string `yaml:"binary"`
}

type Packages struct {
	Required   []string `yaml:"required"`
	Optional   []string `yaml:"optional"`
	SkipUpdate bool     `yaml:"skip_update"`
}

type Service struct {
	Unit          string `yaml:"unit"`
	DaemonControl string `yaml:"daemon_control"`
}

type Paths struct {
	CAKey        string `yaml:"ca_key"`
	CACert       string `yaml:"ca_cert"`
	ServerKey    string `yaml:"server_key"`
	ServerCert   string `yaml:"server_cert"`
	TunnelConfig string `yaml:"tunnel_config"`
	Secrets      string `yaml:"secrets"`
	Firewall     string `yaml:"firewall"`
	Sysctl       string `yaml:"sysctl"`
}

type State struct {
	DBPath   string `yaml:"db_path"`
	LockPath string `yaml:"lock_path"`
}

type Status struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration with every optional field populated.
// Credentials are left empty.
func Default() Config {
	return Config{
		VPN: VPN{
			ClientPool: "10.10.10.0/24",
			DNS:        []string{"1.1.1.1", "8.8.8.8"},
		},
		PKI: PKI{
			Binary:             "pki",
			CADN:               "CN=VPN root CA",
			CAKeySize:          4096,
			ServerKeySize:      4096,
			CAValidityDays:     3650,
			ServerValidityDays: 1825,
		},
		Network: Network{
			IPEchoURLs:    []string{"https://api.ipify.org", "https://ifconfig.me/ip"},
			ProbeTimeout:  10 * time.Second,
			ProbeAttempts: 3,
			RouteTable:    "/proc/net/route",
		},
		Firewall: Firewall{
			ManagementPort: 22,
			Binary:         "nft",
		},
		Packages: Packages{
			Required: []string{"strongswan", "strongswan-pki", "libcharon-extra-plugins", "nftables"},
			Optional: []string{"libcharon-extauth-plugins", "libstrongswan-extra-plugins", "libstrongswan-standard-plugins"},
		},
		Service: Service{
			Unit:          "strongswan-starter",
			DaemonControl: "ipsec",
		},
		Paths: Paths{
			CAKey:        "/etc/ipsec.d/private/ca-key.pem",
			CACert:       "/etc/ipsec.d/cacerts/ca-cert.pem",
			ServerKey:    "/etc/ipsec.d/private/server-key.pem",
			ServerCert:   "/etc/ipsec.d/certs/server-cert.pem",
			TunnelConfig: "/etc/ipsec.conf",
			Secrets:      "/etc/ipsec.secrets",
			Firewall:     "/etc/nftables.conf",
			Sysctl:       "/etc/sysctl.d/60-ikev2-gateway.conf",
		},
		State: State{
			DBPath:   "/var/lib/ikev2-provision/state.db",
			LockPath: "/run/ikev2-provision.lock",
		},
		Status: Status{
			Listen: "127.0.0.1:8092",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides credentials from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvUsername); ok && strings.TrimSpace(v) != "" {
		c.VPN.Username = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPassword); ok && v != "" {
		c.VPN.Password = v
	}
}

// Validate checks every value that ends up interpolated into generated
// configuration or passed to an external tool.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if err := CheckUsername(c.VPN.Username); err != nil {
		add("vpn.username: %v", err)
	}
	if err := CheckSecret(c.VPN.Password); err != nil {
		add("vpn.password: %v", err)
	}
	if _, err := c.ClientPool(); err != nil {
		add("vpn.client_pool: %v", err)
	}
	if _, err := c.DNSServers(); err != nil {
		add("vpn.dns: %v", err)
	}
	if err := CheckDN(c.PKI.CADN); err != nil {
		add("pki.ca_dn: %v", err)
	}
	if c.PKI.ServerDN != "" {
		if err := CheckDN(c.PKI.ServerDN); err != nil {
			add("pki.server_dn: %v", err)
		}
	}
	for name, size := range map[string]int{"pki.ca_key_size": c.PKI.CAKeySize, "pki.server_key_size": c.PKI.ServerKeySize} {
		if size != 2048 && size != 3072 && size != 4096 {
			add("%s must be 2048, 3072 or 4096, got %d", name, size)
		}
	}
	if c.PKI.CAValidityDays <= 0 || c.PKI.ServerValidityDays <= 0 {
		add("pki validity days must be positive")
	}
	if c.PKI.ServerValidityDays > c.PKI.CAValidityDays {
		add("pki.server_validity_days (%d) exceeds pki.ca_validity_days (%d)", c.PKI.ServerValidityDays, c.PKI.CAValidityDays)
	}
	if c.Network.WANInterface != "" && !interfacePattern.MatchString(c.Network.WANInterface) {
		add("network.wan_interface %q is not a valid interface name", c.Network.WANInterface)
	}
	if c.Network.PublicIP != "" {
		if addr, err := netip.ParseAddr(c.Network.PublicIP); err != nil || !addr.Is4() {
			add("network.public_ip %q is not an IPv4 address", c.Network.PublicIP)
		}
	}
	if c.Network.PublicIP == "" && len(c.Network.IPEchoURLs) == 0 {
		add("network.ip_echo_urls is empty and no public_ip override is set")
	}
	for _, raw := range c.Network.IPEchoURLs {
		if !strings.HasPrefix(raw, "https://") {
			add("network.ip_echo_urls entry %q must use https", raw)
		}
	}
	if c.Network.ProbeTimeout <= 0 {
		add("network.probe_timeout must be positive")
	}
	if c.Network.ProbeAttempts < 1 {
		add("network.probe_attempts must be at least 1")
	}
	if c.Firewall.ManagementPort < 1 || c.Firewall.ManagementPort > 65535 {
		add("firewall.management_port %d out of range", c.Firewall.ManagementPort)
	}
	if len(c.Packages.Required) == 0 {
		add("packages.required must not be empty")
	}
	if !unitPattern.MatchString(c.Service.Unit) {
		add("service.unit %q is not a valid unit name", c.Service.Unit)
	}
	for name, path := range c.Paths.byRole() {
		if !strings.HasPrefix(path, "/") {
			add("paths.%s %q must be absolute", name, path)
		}
		if strings.ContainsAny(path, "\"\n ") {
			add("paths.%s %q contains quotes or whitespace", name, path)
		}
	}
	return errors.Join(errs...)
}

// ClientPool returns the parsed, masked client address pool.
func (c Config) ClientPool() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(c.VPN.ClientPool))
	if err != nil {
		return netip.Prefix{}, err
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%s is not an IPv4 prefix", prefix)
	}
	if prefix.Masked() != prefix {
		return netip.Prefix{}, fmt.Errorf("%s has host bits set (did you mean %s?)", prefix, prefix.Masked())
	}
	if prefix.Bits() > 30 {
		return netip.Prefix{}, fmt.Errorf("%s is too small for a client pool", prefix)
	}
	if reservedOverlap(prefix) {
		return netip.Prefix{}, fmt.Errorf("%s overlaps reserved address space", prefix)
	}
	return prefix, nil
}

// DNSServers returns the parsed DNS server list.
func (c Config) DNSServers() ([]netip.Addr, error) {
	if len(c.VPN.DNS) == 0 {
		return nil, errors.New("at least one DNS server is required")
	}
	out := make([]netip.Addr, 0, len(c.VPN.DNS))
	for _, raw := range c.VPN.DNS {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, addr.Unmap())
	}
	return out, nil
}

// CheckUsername restricts usernames to characters that need no quoting in
// the secrets file.
func CheckUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return fmt.Errorf("%q must match %s", name, usernamePattern)
	}
	return nil
}

// CheckSecret rejects values that cannot be safely embedded in a quoted
// secrets-file entry.
func CheckSecret(value string) error {
	if value == "" {
		return fmt.Errorf("must not be empty (or set %s)", EnvPassword)
	}
	for _, r := range value {
		if r == '"' || r == '\\' || r < 0x20 || r == 0x7f {
			return errors.New("must not contain quotes, backslashes or control characters")
		}
	}
	return nil
}

// CheckDN rejects distinguished names that would break quoting when passed
// to the PKI tool or written into daemon configuration.
func CheckDN(dn string) error {
	if strings.TrimSpace(dn) == "" {
		return errors.New("must not be empty")
	}
	if !strings.Contains(dn, "=") {
		return fmt.Errorf("%q is not a distinguished name", dn)
	}
	for _, r := range dn {
		if r == '"' || r == '\'' || r == '\\' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("%q contains quotes or control characters", dn)
		}
	}
	return nil
}

func (p Paths) byRole() map[string]string {
	return map[string]string{
		"ca_key":        p.CAKey,
		"ca_cert":       p.CACert,
		"server_key":    p.ServerKey,
		"server_cert":   p.ServerCert,
		"tunnel_config": p.TunnelConfig,
		"secrets":       p.Secrets,
		"firewall":      p.Firewall,
		"sysctl":        p.Sysctl,
	}
}

var reserved = func() *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, raw := range []string{"0.0.0.0/8", "127.0.0.0/8", "169.254.0.0/16", "224.0.0.0/4", "240.0.0.0/4"} {
		b.AddPrefix(netip.MustParsePrefix(raw))
	}
	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}()

func reservedOverlap(prefix netip.Prefix) bool {
	return reserved.OverlapsPrefix(prefix)
}
