package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ikev2-provision/internal/auth"
	"ikev2-provision/internal/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API and the CA certificate",
	Long: `serve exposes GET /healthz and GET /ca.pem without authentication and
GET /api/status behind a bearer token. Create the token first with
"ikev2provision token rotate".`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (defaults to status.listen)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := requireRoot("serve"); err != nil {
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

	authManager := auth.NewManager(store)
	ok, err := authManager.HasToken(cmd.Context())
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrNoToken
	}

	srv, err := server.New(store, authManager, server.Paths{
		CACert:     cfg.Paths.CACert,
		ServerCert: cfg.Paths.ServerCert,
	}, logger)
	if err != nil {
		return err
	}
	httpServer := srv.HTTPServer(firstNonEmpty(serveListen, cfg.Status.Listen))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("status server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
