package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	bazaarly "github.com/bazaarly/bazaarly/sdk/golang"
)

// getClient creates a client authenticated with the stored token.
func getClient() (*bazaarly.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'bazaarly init <token> --user-id <id>' first.")
		os.Exit(1)
	}

	opts := []bazaarly.ClientOption{bazaarly.WithLogger(newLogger(cfg))}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, bazaarly.WithBaseURL(cfg.Default.BaseURL))
	}
	return bazaarly.NewClient(cfg.Auth.Token, opts...), cfg
}

// newLogger writes text logs to stderr at the configured level.
func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Default.LogLevel != "" {
		if l, err := parseLevel(cfg.Default.LogLevel); err == nil {
			level = l
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseID(s, name string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, s)
	}
	return id, nil
}

func valueOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "(not set)"
	case len(token) <= 8:
		return "****"
	default:
		return token[:4] + "..." + token[len(token)-4:]
	}
}
