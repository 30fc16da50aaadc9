package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildtall-systems/storefront/internal/checkout"
	"github.com/buildtall-systems/storefront/internal/config"
	"github.com/buildtall-systems/storefront/internal/payments"
	"github.com/buildtall-systems/storefront/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		Long:  `Start the HTTP server that receives payment webhooks and serves order confirmations.`,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithSecrets()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	logger := slog.Default()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	logger.Info("database ready", "path", cfg.Database.Path)

	rec, closeAlerts, err := newReconciler(cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeAlerts()

	var sessions webhook.SessionReader
	if cfg.Payments.APIKey != "" {
		sessions = checkout.NewClient(cfg.Payments.APIBase, cfg.Payments.APIKey)
	} else {
		logger.Info("payments.api_key not set, order confirmation route disabled")
	}

	srv := webhook.New(webhook.Deps{
		Verifier:       payments.NewVerifier(cfg.Payments.WebhookSecret, payments.WithTolerance(cfg.Payments.Tolerance)),
		Reconciler:     rec,
		Audit:          store,
		Orders:         store,
		Sessions:       sessions,
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storefront listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
