package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ikev2-provision/internal/command"
	"ikev2-provision/internal/netprobe"
	"ikev2-provision/internal/packages"
	"ikev2-provision/internal/pki"
	"ikev2-provision/internal/plan"
	"ikev2-provision/internal/service"
	"ikev2-provision/internal/systemd"
)

var regenerateCA bool

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Provision or reconcile the gateway",
	Long: `apply runs every provisioning step in order and stops at the first
failure. The run and the issued certificates are recorded in the state
database. A second apply is expected to exit without visible change apart
from a fresh server certificate.`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&regenerateCA, "regenerate-ca", false, "replace the certificate authority; every client must import the new CA")
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	if err := requireRoot("apply"); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg, true)
	if err != nil {
		return err
	}
	defer closeStore()

	if regenerateCA {
		logger.Warnw("regenerating certificate authority", "path", cfg.Paths.CACert)
	}

	runner := command.ExecRunner{}
	p, err := plan.New(cfg, plan.Dependencies{
		Installer: packages.NewInstaller(command.ExecRunner{Env: packages.Env}, cfg.Packages.SkipUpdate, logger),
		Prober:    netprobe.NewProber(cfg.Network, logger),
		Authority: pki.NewTool(runner, cfg.PKI.Binary, logger),
		Services: service.NewController(runner, systemd.NewManagerWithDeps("systemctl", runner), service.Options{
			Unit:          cfg.Service.Unit,
			Firewall:      cfg.Firewall.Binary,
			DaemonControl: cfg.Service.DaemonControl,
		}, logger),
		Recorder: store,
		Log:      logger,
	}, plan.Options{RegenerateCA: regenerateCA})
	if err != nil {
		return err
	}

	res, err := p.Run(ctx)
	if err != nil {
		if step, ok := plan.FailedStep(err); ok {
			logger.Errorw("provisioning failed", "step", step, "error", err)
		}
		return err
	}
	return res.WriteReport(cmd.OutOrStdout(), cfg)
}
