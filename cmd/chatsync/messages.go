package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// history
	historyLimit   int
	historyOffline bool
	historyJSON    bool

	// send
	sendJSON bool

	// search
	searchPartner string
	searchLimit   int
	searchJSON    bool
)

const requestTimeout = 15 * time.Second

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}

func printMessages(msgs []chatsync.Message) {
	for _, m := range msgs {
		who := m.SenderID
		if m.FromSelf {
			who = "me"
		}
		mark := " "
		if m.Inbound() && !m.Read {
			mark = "*"
		}
		fmt.Printf("%s %s  %-12s %s\n", mark, formatTime(m.CreatedAt), who, m.Content)
	}
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		log := newLogger()
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		msgs, err := newClient(cfg, log).FetchMessages(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("fetch failed, using local history")
			if msgs, err = store.Messages(ctx); err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}
		} else if err := store.PutMessages(ctx, msgs); err != nil {
			log.Warn().Err(err).Msg("persist messages")
		}

		agg := chatsync.NewAggregator()
		agg.Seed(msgs)
		convs := agg.Conversations()
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PARTNER\tUNREAD\tLAST\tMESSAGE")
		for _, c := range convs {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.PartnerID, c.UnreadCount, formatTime(c.LastMessageTime), truncate(c.LastMessage, 50))
		}
		return tw.Flush()
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <partner-id>",
	Short: "Show the conversation with a partner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partner := args[0]
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		log := newLogger()
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var msgs []chatsync.Message
		if !historyOffline {
			msgs, err = newClient(cfg, log).FetchConversation(ctx, partner)
			if err != nil {
				log.Warn().Err(err).Str("partner_id", partner).Msg("fetch failed, using local history")
			} else if err := store.PutMessages(ctx, msgs); err != nil {
				log.Warn().Err(err).Msg("persist messages")
			}
		}
		if historyOffline || err != nil {
			msgs, err = store.ConversationMessages(ctx, partner, historyLimit)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}
		}

		// same ordering and dedup as a live session
		cache := chatsync.NewMessageCache(log, nil)
		cache.ReplaceAll(partner, msgs)
		msgs = cache.Messages()
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Printf("No messages with %s.\n", partner)
			return nil
		}
		printMessages(msgs)
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <partner-id> <message>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		partner, content := args[0], strings.Join(args[1:], " ")
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		log := newLogger()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		msg, err := newClient(cfg, log).Send(ctx, partner, content)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if store, err := openStore(cfg); err == nil {
			if err := store.PutMessages(ctx, []chatsync.Message{msg}); err != nil {
				log.Warn().Err(err).Msg("persist sent message")
			}
			_ = store.Close()
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s to %s at %s\n", msg.ID, partner, formatTime(msg.CreatedAt))
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <message-id>...",
	Short: "Mark messages read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		log := newLogger()
		client := newClient(cfg, log)
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		failed := 0
		for _, id := range args {
			if err := client.MarkRead(ctx, id); err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
				continue
			}
			if err := store.MarkRead(ctx, id); err != nil {
				log.Warn().Err(err).Str("message_id", id).Msg("persist read flag")
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d messages not marked read", failed, len(args))
		}
		return nil
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the local message history",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		hits, err := store.Search(context.Background(), strings.Join(args, " "), searchPartner, searchLimit)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if searchJSON {
			return printJSON(hits)
		}
		if len(hits) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, m := range hits {
			fmt.Printf("%s  [%s] %s\n", formatTime(m.CreatedAt), m.PartnerID(), m.Content)
		}
		return nil
	},
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the most recent n messages")
	historyCmd.Flags().BoolVar(&historyOffline, "offline", false, "Read from local history only")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	searchCmd.Flags().StringVar(&searchPartner, "partner", "", "Restrict to one conversation")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, readCmd, searchCmd)
}
