package main

import (
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print the token and webhook secret unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var showSecrets bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	Long:  "Print the current configuration. The token and webhook secret are masked unless --show-secrets is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'chatsync init <user-id> <token>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return renderConfig(cmd.OutOrStdout(), cfg, showSecrets)
	},
}

// renderConfig writes cfg as TOML with credentials masked unless reveal.
func renderConfig(w io.Writer, cfg *Config, reveal bool) error {
	out := *cfg
	if !reveal {
		if out.Auth.Token != "" {
			out.Auth.Token = maskKey(out.Auth.Token)
		}
		if out.Auth.WebhookSecret != "" {
			out.Auth.WebhookSecret = maskKey(out.Auth.WebhookSecret)
		}
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.transport nats",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
