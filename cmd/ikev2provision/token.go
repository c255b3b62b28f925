package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ikev2-provision/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the status API token",
}

var tokenRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Create a new status API token and invalidate the old one",
	Long: `rotate prints a new bearer token once. Only its bcrypt hash is stored,
so a lost token cannot be recovered; rotate again instead.`,
	Args: cobra.NoArgs,
	RunE: runTokenRotate,
}

func init() {
	tokenCmd.AddCommand(tokenRotateCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenRotate(cmd *cobra.Command, args []string) error {
	if err := requireRoot("token rotate"); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer closeStore()

	token, err := auth.NewManager(store).RotateToken(cmd.Context())
	if err != nil {
		return err
	}
	logger.Infow("status token rotated")
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
