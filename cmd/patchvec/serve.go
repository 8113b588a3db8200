package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flowlexi/patchvec/internal/auth"
	"github.com/flowlexi/patchvec/internal/httpapi"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the patchvec HTTP server",
	Args:  exactArgs(0),
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "json")
	if err != nil {
		return err
	}
	defer logger.Sync()

	eng, ops, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer ops.Close()
	defer eng.Close()

	if cfg.Auth.Mode == "none" && cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" && cfg.Server.Host != "::1" {
		logger.Warn("auth disabled on a non-loopback address; all tenants are reachable without credentials",
			zap.String("host", cfg.Server.Host))
	}

	resolver, err := auth.New(auth.Config{
		Mode:        cfg.Auth.Mode,
		GlobalKey:   cfg.Auth.GlobalKey,
		TenantsFile: cfg.Auth.TenantsFile,
	})
	if err != nil {
		return err
	}

	srv, err := httpapi.NewServer(*cfg, eng, resolver, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	return nil
}
