package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	rtchat "github.com/Matnazar-Matnazarov/realtime-chat-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// messages
	messagesLimit int
	messagesJSON  bool

	// contacts
	contactsJSON bool

	// send
	sendMediaPath string
	sendJSON      bool

	// watch
	watchVerbose bool
)

// ============================================================================
// Helpers
// ============================================================================

// clientFromConfig builds a REST client from the stored configuration.
func clientFromConfig() (*rtchat.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Server.BaseURL == "" {
		return nil, nil, fmt.Errorf("server.base_url is not configured (rtchat config set server.base_url <url>)")
	}
	return rtchat.NewClient(cfg.Server.BaseURL, cfg.Auth.Token), cfg, nil
}

func credential(cfg *Config) rtchat.Credential {
	return rtchat.Credential{UserID: cfg.Auth.UserID, Token: cfg.Auth.Token}
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <user-id> <token>",
	Short: "Store the session credential",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.UserID = args[0]
		cfg.Auth.Token = args[1]
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Logged in as %s.\n", args[0])
		return nil
	},
}

// ============================================================================
// contacts
// ============================================================================

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts with their last message",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := clientFromConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		items, err := client.Roster(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if contactsJSON {
			b, _ := json.MarshalIndent(items, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(items) == 0 {
			fmt.Println("No contacts found.")
			return nil
		}
		for _, item := range items {
			last := ""
			if item.LastMessage != nil {
				last = fmt.Sprintf("  [%s] %s",
					item.LastMessage.CreatedAt.Format(time.RFC3339), item.LastMessage.Content)
			}
			fmt.Printf("  %s (%s)%s\n", item.User.Username, item.User.ID, last)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <counterpart-id>",
	Short: "Show message history with a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := clientFromConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		history, err := client.History(ctx, args[0], messagesLimit, 0)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			b, _ := json.MarshalIndent(history, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(history) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		// The server answers newest-first; print chronologically.
		for i := len(history) - 1; i >= 0; i-- {
			m := history[i]
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Content)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <counterpart-id> [text]",
	Short: "Send a message, optionally with a media attachment",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := clientFromConfig()
		if err != nil {
			return err
		}

		text := ""
		if len(args) == 2 {
			text = args[1]
		}
		if text == "" && sendMediaPath == "" {
			return fmt.Errorf("nothing to send: pass text, --media, or both")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		req := rtchat.SendRequest{Content: text, ReceiverID: args[0]}
		if sendMediaPath != "" {
			f, err := os.Open(sendMediaPath)
			if err != nil {
				return fmt.Errorf("cannot open media file: %w", err)
			}
			defer f.Close()
			ref, err := client.UploadMedia(ctx, filepath.Base(sendMediaPath), f)
			if err != nil {
				return fmt.Errorf("media upload failed: %w", err)
			}
			req.MediaURL = ref.URL
			req.MediaType = ref.ContentType
		}

		msg, err := client.Send(ctx, req)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			b, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		fmt.Printf("Message sent to %s\n", args[0])
		fmt.Printf("  Message ID: %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and stream realtime events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.BaseURL == "" {
			return fmt.Errorf("server.base_url is not configured")
		}
		cred := credential(cfg)
		if !cred.Valid() {
			return fmt.Errorf("not logged in (rtchat login <user-id> <token>)")
		}

		level := zerolog.WarnLevel
		if watchVerbose {
			level = zerolog.DebugLevel
		}
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).With().Timestamp().Logger()

		sess := rtchat.NewSession(cfg.Server.BaseURL, cred, rtchat.WithSessionLogger(log))
		defer sess.Close()

		sess.Dispatcher.Subscribe(func(ev rtchat.Event) {
			switch e := ev.(type) {
			case rtchat.MessageArrived:
				fmt.Printf("[%s] %s: %s\n",
					e.Message.CreatedAt.Format(time.RFC3339), e.Message.SenderID, e.Message.Content)
			case rtchat.PresenceChanged:
				status := "offline"
				if e.Online {
					status = "online"
				}
				fmt.Printf("* %s is %s\n", e.IdentityID, status)
			case rtchat.ServerError:
				fmt.Fprintf(os.Stderr, "server error: %s\n", e.Detail)
			}
		})
		sess.Conn.OnStateChange(func(sc rtchat.StateChange) {
			switch {
			case sc.Fatal:
				fmt.Fprintln(os.Stderr, "connection lost for good, giving up")
			case sc.State == rtchat.StateReconnecting:
				fmt.Fprintf(os.Stderr, "disconnected, retrying in %s (attempt %d)\n", sc.Delay, sc.Attempt)
			case sc.State == rtchat.StateOpen:
				fmt.Fprintln(os.Stderr, "connected")
			}
		})

		ctx := context.Background()
		if err := sess.Start(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Fprintln(os.Stderr, "shutting down")
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Maximum number of messages to return")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	contactsCmd.Flags().BoolVar(&contactsJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVar(&sendMediaPath, "media", "", "Path to a media file to attach")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}
