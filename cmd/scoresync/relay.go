// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/scoresync/relay"
)

var relayPort int

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the courtside relay hub",
	Long: `Runs the local-network WebSocket hub that scoreboards and bench
devices in the same gym connect to when the venue has no internet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(cmd.Context())
	},
}

func init() {
	relayCmd.Flags().IntVar(&relayPort, "port", 8765, "relay port")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(ctx context.Context) error {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := relay.NewServer(relayPort, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down relay")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Warn("Relay shutdown incomplete", slog.Any("error", err))
	}
	return nil
}
