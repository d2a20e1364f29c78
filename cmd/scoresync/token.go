// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/scoresync/backend"
)

var (
	tokenSecret string
	tokenUser   string
	tokenDevice string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a device token for the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			return fmt.Errorf("--secret is required")
		}
		if tokenDevice == "" {
			return fmt.Errorf("--device is required")
		}
		auth := backend.NewJWTAuth(tokenSecret)
		token, err := auth.GenerateToken(tokenUser, tokenDevice, tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "JWT signing secret")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "scorer", "user id (sub claim)")
	tokenCmd.Flags().StringVar(&tokenDevice, "device", "", "device id (did claim)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
