package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	bazaarly "github.com/bazaarly/bazaarly/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	// conversations list
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesJSON bool

	// send
	sendListingID int
	sendJSON      bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Conversation commands",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range convs {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			with := fmt.Sprintf("user %d", c.Counterpart(cfg.Auth.UserID))
			if c.OtherUser != nil && c.OtherUser.Username != "" {
				with = c.OtherUser.Username
			}
			fmt.Printf("  %d: %s%s  %s\n", c.ID, with, unread, c.LastMessage)
		}
		return nil
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation-id")
		if err != nil {
			return err
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.MarkRead(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %d marked as read.\n", id)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation-id")
		if err != nil {
			return err
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.Conversations.Messages(ctx, id)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("  [%s] %d: %s\n", m.CreatedAt, m.AuthorID, m.Content)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <receiver-id> <content>",
	Short: "Send a direct message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := parseID(args[0], "conversation-id")
		if err != nil {
			return err
		}
		receiverID, err := parseID(args[1], "receiver-id")
		if err != nil {
			return err
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req := &bazaarly.SendMessageRequest{ConversationID: conversationID, ReceiverID: receiverID, Content: args[2]}
		if sendListingID > 0 {
			req.ListingID = &sendListingID
		}
		msg, err := client.Messages.Send(ctx, req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		if msg.ID != nil {
			fmt.Printf("Message %d sent.\n", *msg.ID)
		} else {
			fmt.Println("Message sent.")
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().IntVar(&sendListingID, "listing-id", 0, "Listing the conversation is about")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
