package main

import (
	"context"
	"errors"
	"io/fs"
	"net/netip"
	"os"

	"github.com/spf13/cobra"

	"ikev2-provision/internal/netprobe"
	"ikev2-provision/internal/plan"
)

var statusOffline bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last run and the live certificates",
	Long: `status reports the last recorded run, the CA and server certificates on
disk and whether the host's current public address is still covered by the
server certificate.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false, "skip the public address lookup")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// An untyped nil keeps Status from calling into a missing database.
	var history plan.History
	if _, err := os.Stat(cfg.State.DBPath); err == nil {
		store, closeStore, err := openStore(cfg, false)
		if err != nil {
			logger.Warnw("state database unavailable", "path", cfg.State.DBPath, "error", err)
		} else {
			defer closeStore()
			history = store
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Warnw("state database unavailable", "path", cfg.State.DBPath, "error", err)
	}

	var lookup func(context.Context) (netip.Addr, error)
	if !statusOffline {
		lookup = netprobe.NewProber(cfg.Network, logger).PublicIPv4
	}

	report := plan.Status(cmd.Context(), cfg.Paths, history, lookup)
	return report.Write(cmd.OutOrStdout())
}
