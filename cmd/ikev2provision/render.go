package main

import (
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/spf13/cobra"

	"ikev2-provision/internal/netprobe"
	"ikev2-provision/internal/render"
)

var (
	renderWAN         string
	renderIP          string
	renderShowSecrets bool
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the generated configuration without touching the host",
	Long: `render prints every file apply would write, using the given WAN interface
and public address instead of probing the network. Nothing is installed,
written or restarted.`,
	Args: cobra.NoArgs,
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVar(&renderWAN, "wan", "", "WAN interface (defaults to network.wan_interface)")
	renderCmd.Flags().StringVar(&renderIP, "ip", "", "public IPv4 address (defaults to network.public_ip)")
	renderCmd.Flags().BoolVar(&renderShowSecrets, "show-secrets", false, "print the EAP password instead of masking it")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	host, err := renderHost(firstNonEmpty(renderWAN, cfg.Network.WANInterface), firstNonEmpty(renderIP, cfg.Network.PublicIP))
	if err != nil {
		return err
	}
	params, err := render.NewParams(cfg, host)
	if err != nil {
		return err
	}
	set, err := render.All(displayParams(params, renderShowSecrets))
	if err != nil {
		return err
	}
	return writeFiles(cmd.OutOrStdout(), set.Files())
}

// passwordMask replaces the EAP password in dry-run output.
const passwordMask = "********"

// displayParams masks the password at the source so no other rendered value
// is touched.
func displayParams(p render.Params, showSecrets bool) render.Params {
	if !showSecrets {
		p.Password = passwordMask
	}
	return p
}

func renderHost(wan, ip string) (netprobe.HostInfo, error) {
	if wan == "" || ip == "" {
		return netprobe.HostInfo{}, fmt.Errorf("render needs --wan and --ip (or network.wan_interface and network.public_ip)")
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netprobe.HostInfo{}, fmt.Errorf("invalid --ip %q: %w", ip, err)
	}
	host := netprobe.HostInfo{WANInterface: wan, PublicIP: addr}
	return host, host.Validate()
}

// writeFiles prints each file under a header.
func writeFiles(w io.Writer, files []render.File) error {
	for i, f := range files {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "==> %s (%s, %04o) <==\n%s", f.Path, f.Role, uint32(f.Mode.Perm()), f.Content); err != nil {
			return err
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
