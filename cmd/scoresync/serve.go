// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/scoresync/backend"
)

type serveConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	JWTSecret   string `env:"JWT_SECRET"`
	InitSchema  bool   `env:"INIT_SCHEMA" envDefault:"true"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the managed sync backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg serveConfig
		if err := env.Parse(&cfg); err != nil {
			return fmt.Errorf("failed to parse environment: %w", err)
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg serveConfig) error {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()

	service, err := backend.NewService(ctx, pool, backend.ServiceConfig{
		InitSchema: cfg.InitSchema,
		JWTSecret:  cfg.JWTSecret,
	}, logger)
	if err != nil {
		return err
	}

	go func() {
		if err := service.RunListener(ctx); err != nil {
			logger.Error("Change-feed listener stopped", slog.Any("error", err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/v1/", service.Routes())
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Backend listening", slog.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("backend server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
