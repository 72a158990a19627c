package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	bazaarly "github.com/bazaarly/bazaarly/sdk/golang"
	"github.com/bazaarly/bazaarly/sdk/golang/redisstore"
	"github.com/spf13/cobra"
)

var (
	listenBackoff     string
	listenMaxAttempts int
)

func init() {
	listenCmd.Flags().StringVar(&listenBackoff, "backoff", string(bazaarly.BackoffFixed), "Reconnect backoff: fixed or exponential")
	listenCmd.Flags().IntVar(&listenMaxAttempts, "max-reconnects", 5, "Consecutive reconnect attempts before giving up")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Open a live session and log its events",
	Long:  "Connect to the real-time socket as the configured user and log connectivity, incoming messages,\nnotification and unread changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		if cfg.Auth.UserID <= 0 {
			return fmt.Errorf("no user id configured; run 'bazaarly config set auth.user_id <id>'")
		}
		backoff := bazaarly.Backoff(listenBackoff)
		if backoff != bazaarly.BackoffFixed && backoff != bazaarly.BackoffExponential {
			return fmt.Errorf("invalid --backoff %q (valid: fixed, exponential)", listenBackoff)
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var storage bazaarly.Storage = bazaarly.NewMemoryStorage()
		if cfg.Storage.RedisAddr != "" {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			rs, err := redisstore.Connect(pingCtx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB, 0)
			cancel()
			if err != nil {
				return err
			}
			defer rs.Close()
			storage = rs
		}

		session := client.NewSession(cfg.Auth.UserID, bazaarly.Config{
			WSURL:                cfg.Default.WSURL,
			MaxReconnectAttempts: listenMaxAttempts,
			ReconnectBackoff:     backoff,
			Logger:               logger,
			Storage:              storage,
		})
		defer session.Close()

		status, cancelStatus := session.Conn.Subscribe()
		defer cancelStatus()
		incoming, cancelIncoming := session.OnNewMessage()
		defer cancelIncoming()
		unread, cancelUnread := session.Unread.Subscribe()
		defer cancelUnread()
		notifUnread, cancelNotif := session.Notifications.SubscribeUnread()
		defer cancelNotif()

		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		logger.Info("listening", "user_id", cfg.Auth.UserID)

		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case up, ok := <-status:
				if !ok {
					return nil
				}
				logger.Info("connectivity changed", "connected", up, "reconnect_attempts", session.Conn.ReconnectAttempts())
			case m, ok := <-incoming:
				if !ok {
					return nil
				}
				logger.Info("new message", "conversation_id", m.ConversationID, "from", m.AuthorID, "content", m.Content)
			case n, ok := <-unread:
				if !ok {
					return nil
				}
				logger.Info("unread messages", "count", n)
			case n, ok := <-notifUnread:
				if !ok {
					return nil
				}
				logger.Info("unread notifications", "count", n)
			}
		}
	},
}
