package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/binhbb2204/chatsync/internal/protocol"
	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/gorilla/websocket"
)

type WebSocketDialer struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *logger.Logger
}

func NewWebSocketDialer(cfg Config) *WebSocketDialer {
	def := DefaultConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	return &WebSocketDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		log: logger.WithContext("component", "ws_transport"),
	}
}

// Dial opens the connection. The token travels in the Authorization header
// of the handshake so it never appears in URLs or access logs.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	if d.cfg.URL == "" {
		return nil, ErrMissingAddress
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := d.dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", redact(d.cfg.URL), err)
	}

	c := &wsConn{
		ws:      ws,
		cfg:     d.cfg,
		send:    make(chan []byte, d.cfg.SendQueueSize),
		inbound: make(chan protocol.Envelope, 64),
		done:    make(chan struct{}),
		log:     d.log,
	}
	go c.writePump()
	go c.readPump()
	d.log.Info("ws_connected", "url", redact(d.cfg.URL))
	return c, nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

type wsConn struct {
	ws      *websocket.Conn
	cfg     Config
	send    chan []byte
	inbound chan protocol.Envelope
	done    chan struct{}
	log     *logger.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (c *wsConn) Inbound() <-chan protocol.Envelope { return c.inbound }
func (c *wsConn) Done() <-chan struct{}             { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *wsConn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		if cause == nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
		}
		c.ws.Close()
	})
}

func (c *wsConn) readPump() {
	defer close(c.inbound)

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Warn("ws_read_error", "error", err.Error())
				}
				c.shutdown(err)
			}
			return
		}
		// any frame proves the peer is alive
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("ws_frame_dropped", "error", err.Error())
			continue
		}
		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("ws_write_error", "error", err.Error())
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}
