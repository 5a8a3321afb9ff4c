package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/adhocore/gronx"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowPath bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowPath, "path", false, "print the config file location only")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage drynkschat configuration",
	Long:  "View or modify the CLI configuration stored in ~/.drynkschat/config.toml.\nDRYNKS_* environment variables and a local .env file take precedence over the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowPath {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		data, err := toml.Marshal(redactConfig(*cfg))
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: drynkschat config set retention.schedule \"0 * * * *\"",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := validateConfigValue(key, value); err != nil {
			return err
		}

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

// redactConfig returns a copy of cfg safe to print.
func redactConfig(cfg Config) Config {
	for _, s := range []*string{&cfg.Default.APIKey, &cfg.Server.TokenKey, &cfg.Server.WebhookSecret} {
		if *s != "" {
			*s = maskKey(*s)
		}
	}
	return cfg
}

// validateConfigValue rejects values the commands would fail on later.
func validateConfigValue(key, value string) error {
	if value == "" {
		return nil
	}
	switch key {
	case "default.base_url":
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base_url must be an absolute URL, got %q", value)
		}
	case "retention.window":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("retention window must be a positive duration, got %q", value)
		}
	case "retention.schedule":
		if !gronx.IsValid(value) {
			return fmt.Errorf("invalid cron expression %q", value)
		}
	case "auth.token_expires":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return fmt.Errorf("token_expires must be RFC3339: %w", err)
		}
	}
	return nil
}
