package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/binhbb2204/chatsync/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoServer struct {
	authHeader chan string
	rawQuery   chan string
	conns      chan *websocket.Conn
}

func newEchoServer(t *testing.T, status int) (*httptest.Server, *echoServer) {
	t.Helper()
	es := &echoServer{
		authHeader: make(chan string, 1),
		rawQuery:   make(chan string, 1),
		conns:      make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		es.authHeader <- r.Header.Get("Authorization")
		es.rawQuery <- r.URL.RawQuery
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.conns <- ws
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, es
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestDialSendsTokenAsHeader(t *testing.T) {
	srv, es := newEchoServer(t, 0)
	d := NewWebSocketDialer(DefaultConfig(wsURL(srv)))

	conn, err := d.Dial(context.Background(), "secret-token")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "Bearer secret-token", <-es.authHeader)
	assert.Empty(t, <-es.rawQuery)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	srv, _ := newEchoServer(t, 0)
	d := NewWebSocketDialer(DefaultConfig(wsURL(srv)))

	conn, err := d.Dial(context.Background(), "tok")
	require.NoError(t, err)
	defer conn.Close()

	env, err := protocol.NewEnvelope(protocol.EventTypingStart, int64(4))
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	select {
	case got := <-conn.Inbound():
		assert.Equal(t, protocol.EventTypingStart, got.Event)
		id, err := got.RoomID()
		require.NoError(t, err)
		assert.Equal(t, int64(4), id)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestServerCloseEndsConnection(t *testing.T) {
	srv, es := newEchoServer(t, 0)
	d := NewWebSocketDialer(DefaultConfig(wsURL(srv)))

	conn, err := d.Dial(context.Background(), "tok")
	require.NoError(t, err)

	serverSide := <-es.conns
	serverSide.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not notice the drop")
	}
	assert.Error(t, conn.Err())
	assert.ErrorIs(t, conn.Send(protocol.Envelope{Event: protocol.EventTypingStop}), ErrClosed)

	_, open := <-conn.Inbound()
	assert.False(t, open)
}

func TestLocalCloseHasNoError(t *testing.T) {
	srv, _ := newEchoServer(t, 0)
	d := NewWebSocketDialer(DefaultConfig(wsURL(srv)))

	conn, err := d.Dial(context.Background(), "tok")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	<-conn.Done()
	assert.NoError(t, conn.Err())
}

func TestDialUnauthorized(t *testing.T) {
	srv, _ := newEchoServer(t, http.StatusUnauthorized)
	d := NewWebSocketDialer(DefaultConfig(wsURL(srv)))

	_, err := d.Dial(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDialRedactsQuery(t *testing.T) {
	assert.Equal(t, "ws://example.com/ws", redact("ws://user:pw@example.com/ws?token=abc"))
}

func TestDialMissingURL(t *testing.T) {
	_, err := NewWebSocketDialer(Config{}).Dial(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrMissingAddress)
}
