package send

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrUnknownSend    = errors.New("no pending send with that token")
	ErrSendInFlight   = errors.New("send is still awaiting confirmation")
	ErrConnectionGone = errors.New("connection lost before the server confirmed the message")
)

// SendTimeoutError means a live send was never echoed back. The message
// may still arrive later; a late echo clears the failure.
type SendTimeoutError struct {
	RoomID      int64
	ClientToken string
	Text        string
	After       time.Duration
	Cause       error
}

func (e *SendTimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("message to room %d not confirmed: %v", e.RoomID, e.Cause)
	}
	return fmt.Sprintf("message to room %d not confirmed within %s", e.RoomID, e.After)
}

func (e *SendTimeoutError) Unwrap() error { return e.Cause }

// SendFallbackError carries the composed text so the caller can restore it
// into the input.
type SendFallbackError struct {
	RoomID int64
	Text   string
	Err    error
}

func (e *SendFallbackError) Error() string {
	return fmt.Sprintf("send to room %d failed: %v", e.RoomID, e.Err)
}

func (e *SendFallbackError) Unwrap() error { return e.Err }
