package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.drynkschat/config.toml.
type Config struct {
	Default   ConfigDefault   `toml:"default"`
	Auth      ConfigAuth      `toml:"auth"`
	Server    ConfigServer    `toml:"server"`
	Retention ConfigRetention `toml:"retention"`
}

// ConfigDefault holds client settings.
type ConfigDefault struct {
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	Database string `toml:"database"`
}

// ConfigAuth holds the identity resolved from the API key.
type ConfigAuth struct {
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigServer holds settings of the development server.
type ConfigServer struct {
	Addr          string `toml:"addr"`
	TokenKey      string `toml:"token_key"`
	WebhookSecret string `toml:"webhook_secret"`
	AssetsDir     string `toml:"assets_dir"`
	Redis         string `toml:"redis"`
}

// ConfigRetention holds retention sweep settings.
type ConfigRetention struct {
	Window   string `toml:"window"`
	Schedule string `toml:"schedule"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.drynkschat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".drynkschat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. If the file does not exist, it starts from a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv overrides config values from DRYNKS_* variables.
func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"DRYNKS_API_KEY":        &cfg.Default.APIKey,
		"DRYNKS_BASE_URL":       &cfg.Default.BaseURL,
		"DRYNKS_DB":             &cfg.Default.Database,
		"DRYNKS_TOKEN_KEY":      &cfg.Server.TokenKey,
		"DRYNKS_WEBHOOK_SECRET": &cfg.Server.WebhookSecret,
		"DRYNKS_REDIS":          &cfg.Server.Redis,
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
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

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	var fields map[string]*string
	switch section {
	case "default":
		fields = map[string]*string{
			"api_key":  &cfg.Default.APIKey,
			"base_url": &cfg.Default.BaseURL,
			"database": &cfg.Default.Database,
		}
	case "auth":
		fields = map[string]*string{
			"user_id":       &cfg.Auth.UserID,
			"token_expires": &cfg.Auth.TokenExpires,
		}
	case "server":
		fields = map[string]*string{
			"addr":           &cfg.Server.Addr,
			"token_key":      &cfg.Server.TokenKey,
			"webhook_secret": &cfg.Server.WebhookSecret,
			"assets_dir":     &cfg.Server.AssetsDir,
			"redis":          &cfg.Server.Redis,
		}
	case "retention":
		fields = map[string]*string{
			"window":   &cfg.Retention.Window,
			"schedule": &cfg.Retention.Schedule,
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, server, retention)", section)
	}

	dst, ok := fields[field]
	if !ok {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	*dst = value
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel   string
	jsonOutput bool
)

var logLevels = map[string]jww.Threshold{
	"trace": jww.LevelTrace,
	"debug": jww.LevelDebug,
	"info":  jww.LevelInfo,
	"warn":  jww.LevelWarn,
	"error": jww.LevelError,
}

var rootCmd = &cobra.Command{
	Use:   "drynkschat",
	Short: "Drynks chat CLI",
	Long:  "Command-line interface for Drynks event chats.\nRead and send messages, check conversation locks, sweep expired media and run a local server.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, ok := logLevels[strings.ToLower(logLevel)]
		if !ok {
			return fmt.Errorf("unknown log level %q", logLevel)
		}
		jww.SetStdoutThreshold(level)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON output")
}

func main() {
	// A .env file in the working directory is optional.
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
