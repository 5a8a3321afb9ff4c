package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server status",
	Long:  "Display the current configuration, check if the access token is expired, and ping the chat server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Database:    %s\n", valueOrDefault(cfg.Default.Database, "(in-memory)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not signed in)"))

		tokenStatus := "none"
		if cfg.Default.APIKey != "" {
			if expires, ok := tokenExpiry(cfg.Default.APIKey); ok {
				if time.Now().Before(expires) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", humanize.Time(expires))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", humanize.Time(expires))
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Server:")
		client := getClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  %s unreachable: %v\n", client.BaseURL(), err)
			return nil
		}
		fmt.Printf("  %s healthy (%s)\n", client.BaseURL(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}
