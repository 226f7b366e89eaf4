package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault             `toml:"default"`
	Auth     ConfigAuth                `toml:"auth"`
	Push     ConfigPush                `toml:"push"`
	Channels chatsync.ChannelTemplates `toml:"channels"`
	Storage  ConfigStorage             `toml:"storage"`
	Webhook  ConfigWebhook             `toml:"webhook"`
}

// ConfigDefault holds the REST endpoint.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the user's credentials.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigPush selects and configures the push transport.
type ConfigPush struct {
	// Transport is one of websocket, nats or redis.
	Transport     string `toml:"transport"`
	URL           string `toml:"url"`
	Password      string `toml:"password"`
	ConsumerGroup string `toml:"consumer_group"`
}

// ConfigStorage holds local history settings.
type ConfigStorage struct {
	Path string `toml:"path"`
}

// ConfigWebhook holds the shared secret for the webhook ingress.
type ConfigWebhook struct {
	Secret string `toml:"secret"`
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
	return readConfig(path)
}

func readConfig(path string) (*Config, error) {
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

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return writeConfig(path, cfg)
}

func writeConfig(path string, cfg *Config) error {
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
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	var target *string
	switch section {
	case "default":
		switch field {
		case "base_url":
			target = &cfg.Default.BaseURL
		}
	case "auth":
		switch field {
		case "token":
			target = &cfg.Auth.Token
		case "user_id":
			target = &cfg.Auth.UserID
		}
	case "push":
		switch field {
		case "transport":
			switch value {
			case "websocket", "nats", "redis":
			default:
				return fmt.Errorf("unknown transport %q (valid: websocket, nats, redis)", value)
			}
			target = &cfg.Push.Transport
		case "url":
			target = &cfg.Push.URL
		case "password":
			target = &cfg.Push.Password
		case "consumer_group":
			target = &cfg.Push.ConsumerGroup
		}
	case "channels":
		switch field {
		case "primary":
			target = &cfg.Channels.Primary
		case "legacy":
			target = &cfg.Channels.Legacy
		}
	case "storage":
		switch field {
		case "path":
			target = &cfg.Storage.Path
		}
	case "webhook":
		switch field {
		case "secret":
			target = &cfg.Webhook.Secret
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, push, channels, storage, webhook)", section)
	}
	if target == nil {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	*target = value
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat synchronization CLI",
	Long:  "Command-line interface for chatsync.\nList conversations, read and send messages, and watch the live push stream.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

// newLogger returns a console logger at the --log-level level.
func newLogger() *zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().
		Logger()
	return &l
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
