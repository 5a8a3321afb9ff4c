package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <api-key>",
	Short: "Store an access token in ~/.drynkschat/config.toml",
	Long:  "Initialize the CLI by storing your access token in the local configuration file.\nThe signed-in user and token expiry are read from the token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		id, err := chat.NewTokenIdentity(apiKey, nil)
		if err != nil {
			return fmt.Errorf("not a valid access token: %w", err)
		}
		user, ok := id.CurrentUserID()
		if !ok {
			return fmt.Errorf("access token has expired")
		}

		cfg.Default.APIKey = apiKey
		cfg.Auth.UserID = user
		cfg.Auth.TokenExpires = ""
		if exp, ok := tokenExpiry(apiKey); ok {
			cfg.Auth.TokenExpires = exp.Format(time.RFC3339)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s, token saved to %s\n", user, path)
		return nil
	},
}
