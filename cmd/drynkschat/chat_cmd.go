package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyLimit int
	historyEvent string

	// send
	sendReplyTo string
	sendAttach  string
	sendEvent   string

	// tail
	tailEvent string
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of messages")
	historyCmd.Flags().StringVar(&historyEvent, "event", "", "event owning the conversation")

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id to reply to")
	sendCmd.Flags().StringVar(&sendAttach, "attach", "", "file to attach")
	sendCmd.Flags().StringVar(&sendEvent, "event", "", "event owning the conversation")

	tailCmd.Flags().StringVar(&tailEvent, "event", "", "event owning the conversation")

	rootCmd.AddCommand(historyCmd, sendCmd, reactCmd, tailCmd, lockCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func formatMessage(m chat.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", humanize.Time(m.CreatedAt), m.SenderID)
	if m.ReplyToID != "" {
		fmt.Fprintf(&b, " (reply to %s)", m.ReplyToID)
	}
	b.WriteString(": ")
	b.WriteString(m.Body)
	if a := m.Attachment; a != nil {
		fmt.Fprintf(&b, " [%s, %s]", valueOrDefault(a.MimeType, "file"), humanize.Bytes(uint64(a.Size)))
	}
	if m.EditedAt != nil {
		b.WriteString(" (edited)")
	}
	if m.Status != "" && m.Status != chat.StatusConfirmed {
		fmt.Fprintf(&b, " <%s>", m.Status)
	}
	return b.String()
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the newest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.ListMessages(ctx, args[0], nil, historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			fmt.Println(formatMessage(msgs[i]))
		}

		if historyEvent != "" {
			ev, err := client.GetEvent(ctx, historyEvent)
			if err == nil {
				if locked, _ := chat.EventLocked(&ev, time.Now()); locked {
					fmt.Println("-- conversation is locked --")
				}
			}
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		conv, err := engine.Open(ctx, conversationRef(args[0], sendEvent))
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		opts := chat.SendOptions{ReplyToID: sendReplyTo}
		if len(args) == 2 {
			opts.Text = args[1]
		}
		if sendAttach != "" {
			abs, err := filepath.Abs(sendAttach)
			if err != nil {
				return err
			}
			opts.AttachmentURI = "file://" + abs
		}

		p, err := conv.Send(ctx, opts)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		msg, ok := p.Message()
		if !ok {
			return fmt.Errorf("message %s is no longer in the conversation", p.TempID)
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// react
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> [emoji]",
	Short: "Set or, without an emoji, clear your reaction on a message",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conv, err := engine.Open(ctx, conversationRef(args[0], ""))
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		if len(args) == 2 {
			return conv.Unreact(ctx, args[1])
		}
		if err := conv.React(ctx, args[1], args[2]); err != nil {
			return err
		}
		for _, g := range conv.ReactionSummary(args[1]) {
			fmt.Printf("%s %d\n", g.Emoji, g.Count)
		}
		return nil
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		conv, err := engine.Open(ctx, conversationRef(args[0], tailEvent))
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		var last *chat.Cursor
		var typing string
		changed := make(chan struct{}, 1)
		conv.OnChange(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})

		show := func() {
			var next chat.Cursor
			seq := conv.Messages()
			if last != nil {
				seq = conv.MessagesAfter(*last)
			}
			for m := range seq {
				if m.IsPending() {
					continue
				}
				fmt.Println(formatMessage(m))
				next = m.Cursor()
				last = &next
			}
			if users := strings.Join(conv.TypingUsers(), ", "); users != typing {
				typing = users
				if users != "" {
					fmt.Printf("... %s typing\n", users)
				}
			}
		}

		show()
		if conv.Locked() {
			fmt.Println("-- conversation is locked --")
		}
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				show()
			case <-ticker.C:
				if conv.State() != chat.StateUnsubscribed {
					continue
				}
				fmt.Println("-- connection lost, resubscribing --")
				if err := conv.Resubscribe(ctx); err != nil {
					jww.WARN.Printf("resubscribe: %v", err)
				}
			}
		}
	},
}

// ============================================================================
// lock
// ============================================================================

var lockCmd = &cobra.Command{
	Use:   "lock <event-id>",
	Short: "Report whether an event's conversation is locked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ev, err := client.GetEvent(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		locked, err := chat.EventLocked(&ev, time.Now())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"event": ev, "locked": locked})
		}
		state := "open"
		if locked {
			state = "locked"
		}
		fmt.Printf("%s (%s, %s): %s\n", valueOrDefault(ev.Title, ev.ID), ev.Date, valueOrDefault(ev.Timezone, "UTC"), state)
		return nil
	},
}
