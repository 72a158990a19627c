package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	notificationsUnread bool
	notificationsJSON   bool
)

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Notification commands",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ns, err := client.Notifications.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notificationsJSON {
			return printJSON(ns)
		}
		if len(ns) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range ns {
			if notificationsUnread && n.Read {
				continue
			}
			mark := " "
			if !n.Read {
				mark = "*"
			}
			fmt.Printf(" %s %d [%s] %s\n", mark, n.ID, n.Type, n.Content)
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "notification-id")
		if err != nil {
			return err
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications.MarkRead(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Notification %d marked as read.\n", id)
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications.MarkAllRead(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("All notifications marked as read.")
		return nil
	},
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <notification-id>",
	Short: "Delete a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "notification-id")
		if err != nil {
			return err
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications.Delete(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Notification %d deleted.\n", id)
		return nil
	},
}

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Show only unread notifications")
	notificationsListCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	notificationsCmd.AddCommand(notificationsDeleteCmd)
	rootCmd.AddCommand(notificationsCmd)
}
