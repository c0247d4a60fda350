// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/internal/abac"
	abacaudit "github.com/gatehouse/gatehouse/internal/abac/audit"
	abacstore "github.com/gatehouse/gatehouse/internal/abac/store"
	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/httpapi"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/internal/store"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the decision service",
		Long: `Start the HTTP decision API together with the metrics and
health-probe endpoint. Runs until SIGINT or SIGTERM.`,
		RunE: runServe,
	}
	cmd.Flags().String("database-url", "", "PostgreSQL connection string")
	cmd.Flags().String("listen-addr", "", "decision API listen address")
	cmd.Flags().String("observability-addr", "", "metrics/health listen address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.SetDefault("gatehouse", version, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	catalog := abacstore.NewPostgres(pool)
	auditStore := abacaudit.NewPostgres(pool)
	engine := abac.NewEngine(catalog, catalog, auditStore,
		abac.WithTimeout(cfg.EvaluationTimeout))

	var ready atomic.Bool
	obs := observability.NewServer(cfg.ObservabilityAddr, ready.Load)
	obsErr, err := obs.Start()
	if err != nil {
		return err
	}

	api := httpapi.NewServer(cfg.ListenAddr, engine, catalog, auditStore)
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- api.ListenAndServe()
	}()
	ready.Store(true)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-apiErr:
		if err != nil {
			errutil.LogError(slog.Default(), "api server failed", err)
			return oops.With("component", "api").Wrap(err)
		}
	case err := <-obsErr:
		if err != nil {
			errutil.LogError(slog.Default(), "observability server failed", err)
			return oops.With("component", "observability").Wrap(err)
		}
	}

	ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api shutdown failed", "error", err)
	}
	if err := obs.Stop(shutdownCtx); err != nil {
		slog.Warn("observability shutdown failed", "error", err)
	}
	slog.Info("gatehouse stopped")
	return nil
}

// loadConfig resolves the flag-file-default layering for a command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}
