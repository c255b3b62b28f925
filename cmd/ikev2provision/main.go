// Command ikev2provision turns a fresh Debian-family host into an IKEv2
// remote-access VPN gateway.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ikev2-provision/internal/config"
	"ikev2-provision/internal/database"
	"ikev2-provision/internal/logging"
	"ikev2-provision/internal/state"
)

const defaultConfigPath = "/etc/ikev2-provision/config.yaml"

var (
	configPath string
	logLevel   string
	logFile    string

	logger   = zap.NewNop().Sugar()
	closeLog = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "ikev2provision",
	Short: "Provision this host as an IKEv2 VPN gateway",
	Long: `ikev2provision installs strongSwan, creates a certificate authority and a
server certificate bound to the host's public address, renders the tunnel,
credential and firewall configuration, and (re)starts the VPN daemon.

Running apply again is safe: the CA is reused, the server certificate is
reissued for the current address and every generated file is rewritten.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, c, err := logging.New(logging.Options{Level: logLevel, File: logFile, Console: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		logger, closeLog = l, c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the provisioning config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file")
}

func main() {
	err := rootCmd.Execute()
	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func requireRoot(name string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%s must be run as root (try: sudo ikev2provision %s)", name, name)
	}
	return nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	logger.Debugw("config loaded", "path", configPath)
	return cfg, nil
}

// openStore opens the state database. Only commands that record runs
// should prune, so status never deletes history.
func openStore(cfg config.Config, pruneHistory bool) (*state.Store, func(), error) {
	db, err := database.Open(cfg.State.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if pruneHistory {
		if err := database.Cleanup(db); err != nil {
			logger.Warnw("state cleanup failed", "error", err)
		}
	}
	store, err := state.NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, closer(db), nil
}

func closer(db *sql.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warnw("close state database", "error", err)
		}
	}
}
