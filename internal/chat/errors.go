package chat

import (
	"errors"
	"fmt"

	"github.com/binhbb2204/chatsync/internal/connection"
	"github.com/binhbb2204/chatsync/internal/send"
)

var (
	ErrNotLoggedIn = errors.New("no credentials: run login first")
	ErrNotJoined   = errors.New("room not joined")
)

// None of these are fatal; every one can be retried.
type (
	TransportError    = connection.TransportError
	SendTimeoutError  = send.SendTimeoutError
	SendFallbackError = send.SendFallbackError
)

type HistoryFetchError struct {
	RoomID int64
	Err    error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("load history for room %d: %v", e.RoomID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// ServerError is an error event pushed by the server.
type ServerError struct {
	Message string
	Code    string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}
