package render

import "text/template"

const header = "# Generated by ikev2-provision. Local changes are overwritten on the next run.\n"

var tunnelTemplate = template.Must(template.New("ipsec.conf").Option("missingkey=error").Parse(header + `
config setup
    charondebug="ike 1, knl 1, cfg 0"
    uniqueids=no

conn {{.Connection}}
    auto=add
    compress=no
    type=tunnel
    keyexchange=ikev2
    fragmentation=yes
    forceencaps=yes
    dpdaction=clear
    dpddelay=300s
    rekey=no
    left=%any
    leftid={{.PublicIP}}
    leftcert={{.ServerCert}}
    leftsendcert=always
    leftsubnet=0.0.0.0/0
    right=%any
    rightid=%any
    rightauth=eap-mschapv2
    rightsourceip={{.ClientPool}}
    rightdns={{.DNS}}
    rightsendcert=never
    eap_identity=%identity
    ike={{.IKE}}
    esp={{.ESP}}
`))

var secretsTemplate = template.Must(template.New("ipsec.secrets").Option("missingkey=error").Parse(header + `
: RSA "{{.ServerKey}}"
{{.Username}} : EAP "{{.Password}}"
`))

var firewallTemplate = template.Must(template.New("nftables.conf").Option("missingkey=error").Parse(`#!/usr/sbin/nft -f
` + header + `
flush ruleset

table inet filter {
    chain input {
        type filter hook input priority filter; policy drop;
        iif "lo" accept
        ct state established,related accept
        tcp dport {{.ManagementPort}} accept
        udp dport { 500, 4500 } accept
        ip protocol icmp accept
        meta l4proto ipv6-icmp accept
    }

    chain forward {
        type filter hook forward priority filter; policy drop;
        ct state established,related accept
        ip saddr {{.ClientPool}} accept
    }
}

table ip nat {
    chain postrouting {
        type nat hook postrouting priority srcnat; policy accept;
        ip saddr {{.ClientPool}} oifname "{{.WANInterface}}" masquerade
    }
}
`))

const sysctlContent = header + `
net.ipv4.ip_forward = 1
net.ipv4.conf.all.accept_redirects = 0
net.ipv4.conf.default.accept_redirects = 0
net.ipv4.conf.all.send_redirects = 0
net.ipv4.conf.default.send_redirects = 0
net.ipv6.conf.all.accept_redirects = 0
net.ipv6.conf.default.accept_redirects = 0
# Client traffic enters on the tunnel and leaves on the WAN interface.
net.ipv4.conf.all.rp_filter = 0
net.ipv4.conf.default.rp_filter = 0
`

// Tunnel renders the tunnel daemon's connection definition.
func Tunnel(p Params) (string, error) {
	return execute(tunnelTemplate, p)
}

// Secrets renders the credentials file. Callers must write it 0600.
func Secrets(p Params) (string, error) {
	return execute(secretsTemplate, p)
}

// Firewall renders the nftables ruleset. It begins with flush ruleset so
// nft -f applies the whole file as one transaction.
func Firewall(p Params) (string, error) {
	return execute(firewallTemplate, p)
}

// Sysctl renders the kernel settings.
func Sysctl() string {
	return sysctlContent
}
