package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Engine  ConfigEngine  `toml:"engine"`
}

// ConfigDefault holds server and transport settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	Transport string `toml:"transport"`
	NATSURL   string `toml:"nats_url"`
}

// ConfigAuth holds the credentials of the current user.
type ConfigAuth struct {
	Token         string `toml:"token"`
	UserID        string `toml:"user_id"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ConfigEngine holds engine tuning.
type ConfigEngine struct {
	MutationTimeout    string `toml:"mutation_timeout"`
	DefaultAvatar      string `toml:"default_avatar"`
	ProfileConcurrency int    `toml:"profile_concurrency"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			if value != "ws" && value != "nats" {
				return fmt.Errorf("transport must be ws or nats, got %q", value)
			}
			cfg.Default.Transport = value
		case "nats_url":
			cfg.Default.NATSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "webhook_secret":
			cfg.Auth.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "engine":
		switch field {
		case "mutation_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid mutation_timeout: %w", err)
			}
			cfg.Engine.MutationTimeout = value
		case "default_avatar":
			cfg.Engine.DefaultAvatar = value
		case "profile_concurrency":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("profile_concurrency must be a positive integer, got %q", value)
			}
			cfg.Engine.ProfileConcurrency = n
		default:
			return fmt.Errorf("unknown field %q in section [engine]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, engine)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Conversation sync CLI",
	Long:         "Command-line interface for the chatsync engine.\nWatch your conversation list live and pin, mute or hide conversations.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
