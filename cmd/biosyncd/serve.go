package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"attendance-sync-backend/internal/api"
	"attendance-sync-backend/internal/mw"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and the administration API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()
		return a.serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.alerts != nil {
		a.alerts.Start(ctx)
	}
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	responses := mw.NewDeviceCache(time.Duration(a.cfg.Server.CacheTTLSeconds) * time.Second)
	handler := api.NewHandler(a.store, a.engine, a.webpush, responses, a.log.With("component", "api"))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewRouter(handler, a.cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("HTTP server starting", "port", a.cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received, stopping services")
	case err := <-serveErr:
		if err != nil {
			a.log.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Sync.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("HTTP server shutdown", "error", err)
	}
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		a.log.Error("orchestrator shutdown", "error", err)
		return err
	}

	a.log.Info("server gracefully stopped")
	return nil
}
