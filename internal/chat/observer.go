package chat

import (
	"github.com/binhbb2204/chatsync/internal/connection"
	"github.com/binhbb2204/chatsync/internal/send"
	"github.com/binhbb2204/chatsync/internal/timeline"
	"github.com/binhbb2204/chatsync/pkg/models"
)

// Observer receives session changes. Every method runs on the session's
// event loop and must not call the blocking Session methods.
type Observer interface {
	StateChanged(change connection.StateChange)
	TimelineChanged(roomID int64, tl timeline.Timeline)
	TypingChanged(roomID int64, users []string)
	SendPending(p send.Pending)
	SendConfirmed(p send.Pending, msg models.Message)
	// Error reports a non-fatal failure. roomID is 0 for session-wide
	// errors such as an exhausted reconnect.
	Error(roomID int64, err error)
}

// NopObserver can be embedded to implement only part of Observer.
type NopObserver struct{}

func (NopObserver) StateChanged(connection.StateChange) {}
func (NopObserver) TimelineChanged(int64, timeline.Timeline) {}
func (NopObserver) TypingChanged(int64, []string) {}
func (NopObserver) SendPending(send.Pending) {}
func (NopObserver) SendConfirmed(send.Pending, models.Message) {}
func (NopObserver) Error(int64, error) {}
