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
	Short: "Show current configuration and server reachability",
	Long:  "Display the current configuration and load the conversation list once over REST.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Default.Transport == "nats" {
			fmt.Printf("  NATS URL:    %s\n", valueOrDefault(cfg.Default.NATSURL, "(default)"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := newClient(cfg).LoadConversations(ctx)
		if err != nil {
			fmt.Printf("  Error loading conversations: %v\n", err)
			return nil
		}
		hidden := 0
		for _, c := range list {
			if !c.VisibleTo(cfg.Auth.UserID) {
				hidden++
			}
		}
		fmt.Printf("  Conversations: %d\n", len(list))
		fmt.Printf("  Not visible:   %d\n", hidden)
		return nil
	},
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
