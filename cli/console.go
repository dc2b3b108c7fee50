package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/binhbb2204/chatsync/internal/chat"
	"github.com/binhbb2204/chatsync/internal/connection"
	"github.com/binhbb2204/chatsync/internal/timeline"
	"github.com/binhbb2204/chatsync/pkg/models"
)

// console renders session events as terminal lines and reprints the prompt.
type console struct {
	chat.NopObserver

	mu     sync.Mutex
	out    io.Writer
	self   string
	seen   map[int64]bool
	typing map[int64][]string
}

func newConsole(out io.Writer, self string) *console {
	return &console{
		out:    out,
		self:   self,
		seen:   make(map[int64]bool),
		typing: make(map[int64][]string),
	}
}

func (c *console) prompt() {
	fmt.Fprintf(c.out, "%s> ", c.self)
}

func (c *console) StateChanged(change connection.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case change.New == models.StateConnected:
		fmt.Fprintln(c.out, "\n● connected")
	case change.New == models.StateConnecting:
		if change.Attempt > 0 {
			fmt.Fprintf(c.out, "\n○ reconnecting (attempt %d)...\n", change.Attempt)
		} else {
			fmt.Fprintln(c.out, "\n○ connecting...")
		}
		return
	case change.Retrying:
		fmt.Fprintln(c.out, "\n○ connection lost, retrying. Messages will be sent over HTTP meanwhile.")
	case change.Old != models.StateDisconnected:
		fmt.Fprintln(c.out, "\n○ disconnected")
	default:
		return
	}
	c.prompt()
}

func (c *console) TimelineChanged(roomID int64, tl timeline.Timeline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	printed := false
	for _, m := range tl.Messages() {
		if c.seen[m.ID] {
			continue
		}
		c.seen[m.ID] = true
		if !printed {
			fmt.Fprintln(c.out)
			printed = true
		}
		fmt.Fprintln(c.out, formatMessage(m))
	}
	if printed {
		c.prompt()
	}
}

func (c *console) TypingChanged(roomID int64, users []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	others := make([]string, 0, len(users))
	for _, u := range users {
		if u != c.self {
			others = append(others, u)
		}
	}
	c.typing[roomID] = others
	if len(others) == 0 {
		return
	}
	verb := "is"
	if len(others) > 1 {
		verb = "are"
	}
	fmt.Fprintf(c.out, "\n… %s %s typing\n", strings.Join(others, ", "), verb)
	c.prompt()
}

func (c *console) Error(roomID int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n✗ %v\n", err)
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(c.out, "  %s\n", hint)
	}
	c.prompt()
}

// Typing returns the last typing set seen for a room, without self.
func (c *console) Typing(roomID int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.typing[roomID]...)
}

func errorHint(err error) string {
	var (
		timeout  *chat.SendTimeoutError
		fallback *chat.SendFallbackError
		history  *chat.HistoryFetchError
		tErr     *chat.TransportError
	)
	switch {
	case errors.As(err, &timeout):
		return "Not confirmed yet. Type /retry to resend."
	case errors.As(err, &fallback):
		return fmt.Sprintf("Not sent: %q", fallback.Text)
	case errors.As(err, &history):
		return "Type /retry to load history again."
	case errors.As(err, &tErr):
		return "Type /reconnect to try again."
	}
	return ""
}

func formatMessage(m models.Message) string {
	ts := m.CreatedAt.Local().Format("15:04")
	sender := m.SenderHandle
	if sender == "" {
		sender = fmt.Sprintf("user#%d", m.UserID)
	}
	if m.Attachment != nil {
		line := fmt.Sprintf("[%s] %s sent %s %s", ts, sender, article(m.Attachment.Kind), m.Attachment.Path)
		if m.Text != "" {
			line += ": " + m.Text
		}
		return line
	}
	return fmt.Sprintf("[%s] %s: %s", ts, sender, m.Text)
}

func article(kind models.AttachmentKind) string {
	if kind == models.AttachmentImage {
		return "an image"
	}
	return "a " + string(kind)
}
