package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/binhbb2204/chatsync/cli/config"
	"github.com/binhbb2204/chatsync/internal/chat"
	"github.com/binhbb2204/chatsync/internal/restapi"
	"github.com/binhbb2204/chatsync/internal/transport"
	"github.com/binhbb2204/chatsync/pkg/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat room operations",
	Long:  "Join chat rooms, send messages and read history.",
}

var chatJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a chat room interactively",
	RunE:  runChatJoin,
}

var chatSendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a single message to a room",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChatSend,
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "View chat history",
	RunE:  runChatHistory,
}

var chatStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the connection to the chat server",
	RunE:  runChatStatus,
}

var (
	chatRoom      int64
	historyLimit  int
	historyBefore int64
)

func init() {
	chatCmd.AddCommand(chatJoinCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatStatusCmd)
	rootCmd.AddCommand(chatCmd)

	for _, c := range []*cobra.Command{chatJoinCmd, chatSendCmd, chatHistoryCmd} {
		c.Flags().Int64VarP(&chatRoom, "room", "r", 1, "Room ID")
	}
	chatHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of messages to retrieve")
	chatHistoryCmd.Flags().Int64Var(&historyBefore, "before", 0, "Only messages older than this message ID")
}

func loadLoggedIn() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		printError(fmt.Sprintf("Failed to load config: %v", err))
		fmt.Println("Run: chatsync init")
		return nil, err
	}
	if _, err := cfg.Token(); err != nil {
		printError("Not authenticated. Run 'chatsync login' first")
		return nil, err
	}
	return cfg, nil
}

func newDialer(cfg *config.Config) *transport.WebSocketDialer {
	return transport.NewWebSocketDialer(transport.DefaultConfig(cfg.WebSocketURL()))
}

func runChatJoin(cmd *cobra.Command, args []string) error {
	cfg, err := loadLoggedIn()
	if err != nil {
		return err
	}
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	out := newConsole(os.Stdout, cfg.User.Username)
	session, err := chat.NewSession(sessionCfg, chat.Deps{
		Dialer:      newDialer(cfg),
		REST:        restapi.NewClient(cfg.ServerURL(), cfg, 0),
		Credentials: cfg,
		Observer:    out,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return session.Run(ctx) })

	if err := session.Connect(); err != nil {
		session.Close()
		return err
	}
	if err := session.EnterRoom(chatRoom); err != nil {
		session.Close()
		return err
	}

	fmt.Printf("Connecting to %s as %s...\n", cfg.WebSocketURL(), cfg.User.Username)
	fmt.Printf("Room #%d. Type /help for commands or /quit to leave.\n", chatRoom)
	fmt.Println("─────────────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	g.Go(func() error {
		defer session.Close()
		out.prompt()
		for {
			select {
			case <-ctx.Done():
				printSuccess("\nDisconnecting...")
				return nil
			case input, ok := <-lines:
				if !ok {
					return nil
				}
				if err := handleInput(session, out, chatRoom, strings.TrimSpace(input)); err != nil {
					if errors.Is(err, errQuit) {
						printSuccess("Left the room")
						return nil
					}
					printError(err.Error())
				}
				out.prompt()
			}
		}
	})

	return g.Wait()
}

func handleInput(session *chat.Session, out *console, roomID int64, input string) error {
	if input == "" {
		return nil
	}
	if !strings.HasPrefix(input, "/") {
		_, err := session.Send(roomID, input)
		return err
	}

	parts := strings.Fields(input)
	switch parts[0] {
	case "/help":
		fmt.Println("\nChat Commands:")
		fmt.Println("  /help           - Show this help")
		fmt.Println("  /older          - Load older messages")
		fmt.Println("  /retry          - Resend unconfirmed messages and reload history")
		fmt.Println("  /reconnect      - Reconnect after the connection gave up")
		fmt.Println("  /image <path>   - Upload an image")
		fmt.Println("  /video <path>   - Upload a video")
		fmt.Println("  /typing         - Show who is typing")
		fmt.Println("  /status         - Connection status")
		fmt.Println("  /quit           - Leave chat")
		return nil

	case "/quit", "/exit":
		return errQuit

	case "/older":
		return session.LoadOlder(roomID)

	case "/retry":
		resent := 0
		for _, p := range session.PendingSends(roomID) {
			if !p.Failed {
				continue
			}
			if err := session.RetrySend(p.Token); err != nil {
				return err
			}
			resent++
		}
		if resent > 0 {
			fmt.Printf("Resending %d message(s)\n", resent)
		}
		return session.RetryHistory(roomID)

	case "/reconnect":
		return session.Connect()

	case "/image", "/video":
		if len(parts) < 2 {
			return fmt.Errorf("usage: %s <path>", parts[0])
		}
		path := strings.Join(parts[1:], " ")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		kind := models.AttachmentImage
		if parts[0] == "/video" {
			kind = models.AttachmentVideo
		}
		return session.SendAttachment(roomID, kind, filepath.Base(path), data)

	case "/typing":
		users := out.Typing(roomID)
		if len(users) == 0 {
			fmt.Println("Nobody is typing")
		} else {
			fmt.Printf("Typing: %s\n", strings.Join(users, ", "))
		}
		return nil

	case "/status":
		fmt.Printf("Connection: %s\n", session.State())
		fmt.Printf("Rooms: %v\n", session.Rooms())
		fmt.Printf("Unconfirmed sends: %d\n", len(session.PendingSends(roomID)))
		return nil

	default:
		return fmt.Errorf("unknown command: %s. Type /help for available commands", parts[0])
	}
}

// runChatSend posts one message over HTTP and prints the stored id.
func runChatSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadLoggedIn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	client := restapi.NewClient(cfg.ServerURL(), cfg, 0)
	msg, err := client.SendMessage(ctx, chatRoom, strings.Join(args, " "), uuid.NewString())
	if err != nil {
		printError(fmt.Sprintf("Failed to send message: %v", err))
		return err
	}

	printSuccess(fmt.Sprintf("Message %d sent to room %d", msg.ID, chatRoom))
	return nil
}

func runChatHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadLoggedIn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	client := restapi.NewClient(cfg.ServerURL(), cfg, 0)
	messages, err := client.History(ctx, chatRoom, historyLimit, historyBefore)
	if err != nil {
		printError(fmt.Sprintf("Failed to load history: %v", err))
		return err
	}

	fmt.Printf("\nRoom #%d history (last %d messages):\n", chatRoom, historyLimit)
	fmt.Println("─────────────────────────────────────────────────────────────")
	if len(messages) == 0 {
		fmt.Println("No messages found.")
	}
	for _, m := range messages {
		fmt.Printf("%6d %s\n", m.ID, formatMessage(m))
	}
	fmt.Println("─────────────────────────────────────────────────────────────")
	if len(messages) > 0 {
		fmt.Printf("Older: chatsync chat history --room %d --before %d\n", chatRoom, messages[0].ID)
	}
	return nil
}

func runChatStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		printError("Configuration not initialized")
		fmt.Println("Run: chatsync init")
		return err
	}

	fmt.Printf("Server:    %s\n", cfg.ServerURL())
	fmt.Printf("Live:      %s\n", cfg.WebSocketURL())
	if cfg.User.Username != "" {
		fmt.Printf("User:      %s (id %d)\n", cfg.User.Username, cfg.User.UserID)
	} else {
		fmt.Println("User:      not logged in")
	}
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}
	fmt.Printf("Reconnect: %s\n", sessionCfg.Reconnect)

	token, err := cfg.Token()
	if err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	conn, err := newDialer(cfg).Dial(ctx, token)
	if err != nil {
		printError(fmt.Sprintf("Live connection failed: %v", err))
		if errors.Is(err, transport.ErrUnauthorized) {
			fmt.Println("Your token may have expired. Run: chatsync login")
		}
		return err
	}
	conn.Close()
	printSuccess("Live connection OK")
	return nil
}
