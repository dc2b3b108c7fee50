package cli

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/binhbb2204/chatsync/internal/chat"
	"github.com/binhbb2204/chatsync/internal/connection"
	"github.com/binhbb2204/chatsync/internal/timeline"
	"github.com/binhbb2204/chatsync/pkg/models"
	"github.com/stretchr/testify/assert"
)

func msg(id int64, sender, text string) models.Message {
	return models.Message{
		ID:           id,
		RoomID:       1,
		SenderHandle: sender,
		Text:         text,
		CreatedAt:    time.Date(2026, 1, 2, 10, 0, int(id), 0, time.Local),
	}
}

func TestConsolePrintsEachMessageOnce(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf, "me")

	c.TimelineChanged(1, timeline.New(msg(1, "alice", "hi")))
	c.TimelineChanged(1, timeline.New(msg(1, "alice", "hi"), msg(2, "bob", "yo")))

	out := buf.String()
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("alice: hi")))
	assert.Contains(t, out, "[10:00] bob: yo")
}

func TestConsoleTypingSkipsSelf(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf, "me")

	c.TypingChanged(1, []string{"me"})
	assert.Empty(t, buf.String())
	assert.Empty(t, c.Typing(1))

	c.TypingChanged(1, []string{"alice", "bob", "me"})
	assert.Contains(t, buf.String(), "alice, bob are typing")
	assert.Equal(t, []string{"alice", "bob"}, c.Typing(1))
}

func TestConsoleStateAndErrors(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf, "me")

	c.StateChanged(connection.StateChange{Old: models.StateConnecting, New: models.StateConnected})
	assert.Contains(t, buf.String(), "connected")
	c.StateChanged(connection.StateChange{Old: models.StateConnected, New: models.StateDisconnected, Retrying: true})
	assert.Contains(t, buf.String(), "retrying")

	buf.Reset()
	c.Error(0, &chat.TransportError{Attempts: 5, Err: errors.New("refused")})
	assert.Contains(t, buf.String(), "/reconnect")

	buf.Reset()
	c.Error(1, &chat.SendFallbackError{RoomID: 1, Text: "draft", Err: errors.New("boom")})
	assert.Contains(t, buf.String(), `"draft"`)
}

func TestFormatAttachment(t *testing.T) {
	m := msg(3, "", "")
	m.UserID = 9
	m.Attachment = &models.Attachment{Kind: models.AttachmentImage, Path: "/uploads/a.png"}
	assert.Equal(t, "[10:00] user#9 sent an image /uploads/a.png", formatMessage(m))
}
