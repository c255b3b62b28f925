package plan

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"text/tabwriter"
	"time"

	"ikev2-provision/internal/config"
	"ikev2-provision/internal/pki"
	"ikev2-provision/internal/state"
)

// History is the read side of the state store.
type History interface {
	LastRun(ctx context.Context) (*state.RunRecord, error)
}

// StatusReport compares what was provisioned with the host as it is now.
type StatusReport struct {
	LastRun *state.RunRecord
	CA      *pki.CertInfo
	Server  *pki.CertInfo
	LiveIP  netip.Addr
	// Drifted is set when the live public address is missing from the
	// server certificate. Clients will reject the gateway until apply runs
	// again.
	Drifted  bool
	Problems []string
}

// Status inspects the live certificates and, when lookup is non-nil, the
// current public address.
func Status(ctx context.Context, paths config.Paths, history History, lookup func(context.Context) (netip.Addr, error)) StatusReport {
	var report StatusReport
	if history != nil {
		run, err := history.LastRun(ctx)
		if err != nil {
			report.Problems = append(report.Problems, "history: "+err.Error())
		}
		report.LastRun = run
	}
	if info, err := pki.Inspect(paths.CACert); err == nil {
		report.CA = &info
	} else {
		report.Problems = append(report.Problems, "ca: "+err.Error())
	}
	if info, err := pki.Inspect(paths.ServerCert); err == nil {
		report.Server = &info
	} else {
		report.Problems = append(report.Problems, "server certificate: "+err.Error())
	}
	if lookup != nil {
		ip, err := lookup(ctx)
		if err != nil {
			report.Problems = append(report.Problems, "public ip: "+err.Error())
		} else {
			report.LiveIP = ip
			if report.Server != nil && !report.Server.HasIP(ip) {
				report.Drifted = true
			}
		}
	}
	return report
}

// Write prints the report.
func (s StatusReport) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if s.LastRun == nil {
		fmt.Fprintln(tw, "Last run:\tnever")
	} else {
		fmt.Fprintf(tw, "Last run:\t#%d %s at %s\n", s.LastRun.ID, s.LastRun.Status,
			time.Unix(s.LastRun.StartedAt, 0).UTC().Format(time.RFC3339))
		if s.LastRun.FailedStep != "" {
			fmt.Fprintf(tw, "Failed step:\t%s: %s\n", s.LastRun.FailedStep, s.LastRun.Error)
		}
	}
	if s.CA != nil {
		fmt.Fprintf(tw, "CA SHA-256:\t%s\n", s.CA.SHA256)
		fmt.Fprintf(tw, "CA expires:\t%s\n", formatTime(s.CA.NotAfter))
	}
	if s.Server != nil {
		fmt.Fprintf(tw, "Server SAN:\t%v\n", s.Server.IPAddresses)
		fmt.Fprintf(tw, "Server expires:\t%s\n", formatTime(s.Server.NotAfter))
	}
	if s.LiveIP.IsValid() {
		fmt.Fprintf(tw, "Public IP:\t%s\n", s.LiveIP)
	}
	if s.Drifted {
		fmt.Fprintln(tw, "WARNING:\tpublic IP is not in the server certificate; run apply to reissue")
	}
	for _, problem := range s.Problems {
		fmt.Fprintf(tw, "Problem:\t%s\n", problem)
	}
	return tw.Flush()
}
