package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Bazaarly configuration",
	Long:  "View or modify the Bazaarly CLI configuration stored in ~/.bazaarly/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'bazaarly init <token> --user-id <id>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Default:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, "(sdk default)"))
		fmt.Printf("  WS URL:     %s\n", valueOrDefault(cfg.Default.WSURL, "(derived)"))
		fmt.Printf("  Log Level:  %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))
		fmt.Println("Auth:")
		fmt.Printf("  Token:      %s\n", maskToken(cfg.Auth.Token))
		if cfg.Auth.UserID > 0 {
			fmt.Printf("  User ID:    %d\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  User ID:    (not set)")
		}
		fmt.Println("Storage:")
		fmt.Printf("  Redis:      %s\n", valueOrDefault(cfg.Storage.RedisAddr, "(in-memory)"))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: bazaarly config set storage.redis_addr localhost:6379",
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

		fmt.Printf("Set %s\n", key)
		return nil
	},
}
