// Package transport carries protocol envelopes over a live WebSocket
// connection to the chat server.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/binhbb2204/chatsync/internal/protocol"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrSendQueueFull  = errors.New("transport send queue full")
	ErrUnauthorized   = errors.New("transport handshake rejected: unauthorized")
	ErrMissingAddress = errors.New("transport address not configured")
)

// Conn is one established live connection. Inbound is closed when the
// connection ends; Err then explains why (nil after a local Close).
type Conn interface {
	Send(env protocol.Envelope) error
	Inbound() <-chan protocol.Envelope
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	SendQueueSize    int
}

func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingPeriod:       30 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageSize:   512 * 1024,
		SendQueueSize:    256,
	}
}
