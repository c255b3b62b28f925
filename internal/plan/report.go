package plan

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"ikev2-provision/internal/config"
	"ikev2-provision/internal/packages"
)

// WriteReport prints the operator summary. The CA fingerprint is what
// clients compare when the certificate is distributed out of band.
func (r *Result) WriteReport(w io.Writer, cfg config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	line := func(label, value string) {
		fmt.Fprintf(tw, "  %s\t%s\n", label, value)
	}

	fmt.Fprintln(tw, "IKEv2 gateway provisioned")
	line("Server address:", r.Host.PublicIP.String())
	line("WAN interface:", r.Host.WANInterface)
	line("Username:", cfg.VPN.Username)
	line("Client pool:", cfg.VPN.ClientPool)
	line("DNS:", strings.Join(cfg.VPN.DNS, ", "))
	line("Daemon:", r.Verification.UnitState)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Certificate authority")
	if r.CACreated {
		line("Status:", "created")
	} else {
		line("Status:", "reused")
	}
	line("Subject:", r.CA.Subject)
	line("Issuer:", r.CA.Issuer)
	line("SHA-256:", r.CA.SHA256)
	line("SHA-1:", r.CA.SHA1)
	line("Expires:", formatTime(r.CA.NotAfter))
	line("Certificate:", r.CA.Path)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Server identity")
	line("Subject:", r.Server.Subject)
	sans := make([]string, 0, len(r.Server.IPAddresses))
	for _, ip := range r.Server.IPAddresses {
		sans = append(sans, ip.String())
	}
	line("SAN:", strings.Join(sans, ", "))
	line("Expires:", formatTime(r.Server.NotAfter))
	line("Certificate:", r.Server.Path)
	line("Private key:", r.ServerKey)

	if missing := packages.Missing(r.Capabilities); len(missing) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "Unavailable optional packages")
		for _, name := range missing {
			fmt.Fprintf(tw, "  %s\n", name)
		}
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
