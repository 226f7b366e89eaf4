package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file verbatim, secrets included")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// secretKeys are masked whenever the CLI echoes configuration.
var secretKeys = map[string]bool{
	"auth.token":     true,
	"push.password":  true,
	"webhook.secret": true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the effective configuration with secrets masked. Unset values show " +
		"the default the session will use.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync init <token> <user-id>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := readConfig(path)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", path)
		renderConfig(os.Stdout, cfg)
		return nil
	},
}

// renderConfig writes cfg as TOML-like sections, masking secrets and filling
// unset transport and channel values with their defaults.
func renderConfig(w io.Writer, cfg *Config) {
	channels := cfg.Channels
	if channels.Primary == "" && channels.Legacy == "" {
		channels = chatsync.DefaultChannelTemplates
	}
	sections := []struct {
		name   string
		values [][2]string
	}{
		{"default", [][2]string{{"base_url", cfg.Default.BaseURL}}},
		{"auth", [][2]string{{"token", cfg.Auth.Token}, {"user_id", cfg.Auth.UserID}}},
		{"push", [][2]string{
			{"transport", valueOrDefault(cfg.Push.Transport, "websocket")},
			{"url", cfg.Push.URL},
			{"password", cfg.Push.Password},
			{"consumer_group", cfg.Push.ConsumerGroup},
		}},
		{"channels", [][2]string{{"primary", channels.Primary}, {"legacy", channels.Legacy}}},
		{"storage", [][2]string{{"path", valueOrDefault(cfg.Storage.Path, "~/.chatsync/history.db")}}},
		{"webhook", [][2]string{{"secret", cfg.Webhook.Secret}}},
	}
	for i, sec := range sections {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "[%s]\n", sec.name)
		for _, kv := range sec.values {
			fmt.Fprintf(w, "%s = %q\n", kv[0], displayValue(sec.name+"."+kv[0], kv[1]))
		}
	}
}

func displayValue(key, value string) string {
	if secretKeys[key] && value != "" {
		return maskKey(value)
	}
	return value
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set push.transport nats",
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

		fmt.Printf("Set %s = %s\n", key, displayValue(key, value))
		return nil
	},
}
