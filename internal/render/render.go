// Package render produces the gateway's generated configuration text.
//
// Rendering is pure: the same Params always yield byte-identical output and
// nothing here touches the filesystem. Writing is the caller's job, using the
// path and mode carried by each File.
package render

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"ikev2-provision/internal/config"
	"ikev2-provision/internal/netprobe"
)

// Role names one generated file.
type Role string

const (
	RoleTunnel   Role = "tunnel-config"
	RoleSecrets  Role = "secrets"
	RoleFirewall Role = "firewall"
	RoleSysctl   Role = "sysctl"
)

// ConnectionName is the ipsec.conf conn section the gateway defines.
const ConnectionName = "ikev2-vpn"

// IKE and ESP proposals are fixed. The trailing ! makes them strict so the
// daemon never falls back to weaker suites a client offers.
const (
	IKEProposal = "aes256-sha256-modp2048!"
	ESPProposal = "aes256gcm16-sha256!"
)

var interfacePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,15}$`)

// File is one rendered output.
type File struct {
	Role    Role
	Path    string
	Mode    os.FileMode
	Content string
}

// Set is the complete RenderedConfigSet.
type Set struct {
	Tunnel   File
	Secrets  File
	Firewall File
	Sysctl   File
}

// Files returns the set in write order.
func (s Set) Files() []File {
	return []File{s.Sysctl, s.Tunnel, s.Secrets, s.Firewall}
}

// Paths are the output locations of the rendered files.
type Paths struct {
	TunnelConfig string
	Secrets      string
	Firewall     string
	Sysctl       string
}

// Params are the validated inputs to every template.
type Params struct {
	Username       string
	Password       string
	ClientPool     netip.Prefix
	DNS            []netip.Addr
	WANInterface   string
	PublicIP       netip.Addr
	ManagementPort int
	ServerCert     string
	ServerKey      string
	Paths          Paths
}

// NewParams validates and collects everything the templates interpolate.
// Operator input never reaches a template without passing these checks.
func NewParams(cfg config.Config, host netprobe.HostInfo) (Params, error) {
	if err := host.Validate(); err != nil {
		return Params{}, err
	}
	if !interfacePattern.MatchString(host.WANInterface) {
		return Params{}, fmt.Errorf("render: invalid wan interface %q", host.WANInterface)
	}
	if err := cfg.Validate(); err != nil {
		return Params{}, fmt.Errorf("render: %w", err)
	}
	pool, err := cfg.ClientPool()
	if err != nil {
		return Params{}, fmt.Errorf("render: client pool: %w", err)
	}
	dns, err := cfg.DNSServers()
	if err != nil {
		return Params{}, fmt.Errorf("render: dns: %w", err)
	}
	return Params{
		Username:       cfg.VPN.Username,
		Password:       cfg.VPN.Password,
		ClientPool:     pool,
		DNS:            dns,
		WANInterface:   host.WANInterface,
		PublicIP:       host.PublicIP,
		ManagementPort: cfg.Firewall.ManagementPort,
		ServerCert:     cfg.Paths.ServerCert,
		ServerKey:      cfg.Paths.ServerKey,
		Paths: Paths{
			TunnelConfig: cfg.Paths.TunnelConfig,
			Secrets:      cfg.Paths.Secrets,
			Firewall:     cfg.Paths.Firewall,
			Sysctl:       cfg.Paths.Sysctl,
		},
	}, nil
}

// All renders the four files.
func All(p Params) (Set, error) {
	tunnel, err := Tunnel(p)
	if err != nil {
		return Set{}, err
	}
	secrets, err := Secrets(p)
	if err != nil {
		return Set{}, err
	}
	firewall, err := Firewall(p)
	if err != nil {
		return Set{}, err
	}
	return Set{
		Tunnel:   File{Role: RoleTunnel, Path: p.Paths.TunnelConfig, Mode: 0o644, Content: tunnel},
		Secrets:  File{Role: RoleSecrets, Path: p.Paths.Secrets, Mode: 0o600, Content: secrets},
		Firewall: File{Role: RoleFirewall, Path: p.Paths.Firewall, Mode: 0o644, Content: firewall},
		Sysctl:   SysctlFile(p.Paths.Sysctl),
	}, nil
}

// SysctlFile wraps Sysctl with its path and mode. The settings do not depend
// on the detected network, so they can be written before probing.
func SysctlFile(path string) File {
	return File{Role: RoleSysctl, Path: path, Mode: 0o644, Content: Sysctl()}
}

// view holds only pre-formatted strings so templates cannot format a value
// differently from run to run.
type view struct {
	Username       string
	Password       string
	ClientPool     string
	DNS            string
	WANInterface   string
	PublicIP       string
	ManagementPort string
	ServerCert     string
	ServerKey      string
	Connection     string
	IKE            string
	ESP            string
}

func newView(p Params) (view, error) {
	if !p.PublicIP.Is4() {
		return view{}, fmt.Errorf("render: public ip %s is not ipv4", p.PublicIP)
	}
	if !p.ClientPool.IsValid() {
		return view{}, fmt.Errorf("render: client pool is empty")
	}
	if !interfacePattern.MatchString(p.WANInterface) {
		return view{}, fmt.Errorf("render: invalid wan interface %q", p.WANInterface)
	}
	if err := config.CheckUsername(p.Username); err != nil {
		return view{}, fmt.Errorf("render: username: %w", err)
	}
	if err := config.CheckSecret(p.Password); err != nil {
		return view{}, fmt.Errorf("render: password: %w", err)
	}
	dns := make([]string, 0, len(p.DNS))
	for _, addr := range p.DNS {
		dns = append(dns, addr.String())
	}
	return view{
		Username:       p.Username,
		Password:       p.Password,
		ClientPool:     p.ClientPool.Masked().String(),
		DNS:            strings.Join(dns, ","),
		WANInterface:   p.WANInterface,
		PublicIP:       p.PublicIP.String(),
		ManagementPort: strconv.Itoa(p.ManagementPort),
		ServerCert:     p.ServerCert,
		ServerKey:      p.ServerKey,
		Connection:     ConnectionName,
		IKE:            IKEProposal,
		ESP:            ESPProposal,
	}, nil
}

func execute(tmpl *template.Template, p Params) (string, error) {
	v, err := newView(p)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
