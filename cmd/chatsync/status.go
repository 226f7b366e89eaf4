package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and API reachability",
	Long:  "Display the current configuration, the size of the local history and whether the REST API answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Push.Transport, "websocket"))
		if cfg.Push.URL != "" {
			fmt.Printf("  Push URL:    %s\n", cfg.Push.URL)
		}

		store, err := openStore(cfg)
		if err == nil {
			msgs, err := store.Messages(context.Background())
			if err == nil {
				fmt.Printf("  History:     %d messages\n", len(msgs))
			}
			_ = store.Close()
		}

		if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg, newLogger())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  API:         unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("  API:         ok (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
