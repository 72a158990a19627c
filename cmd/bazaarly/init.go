package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID  int
	initBaseURL string
)

func init() {
	initCmd.Flags().IntVar(&initUserID, "user-id", 0, "Id of the user the token belongs to")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST base URL")
	initCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.bazaarly/config.toml",
	Long:  "Initialize the Bazaarly CLI by storing your bearer token and user id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if initUserID <= 0 {
			return fmt.Errorf("--user-id must be a positive integer")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = initUserID
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
