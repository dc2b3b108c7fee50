package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/binhbb2204/chatsync/internal/connection"
	"github.com/binhbb2204/chatsync/internal/eventloop"
	"github.com/binhbb2204/chatsync/internal/protocol"
	"github.com/binhbb2204/chatsync/internal/send"
	"github.com/binhbb2204/chatsync/internal/timeline"
	"github.com/binhbb2204/chatsync/internal/transport"
	"github.com/binhbb2204/chatsync/pkg/metrics"
	"github.com/binhbb2204/chatsync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCreds struct {
	token  string
	handle string
}

func (c memCreds) Token() (string, error) { return c.token, nil }
func (c memCreds) Handle() string          { return c.handle }

type pipeConn struct {
	mu        sync.Mutex
	sent      []protocol.Envelope
	inbound   chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{inbound: make(chan protocol.Envelope, 32), done: make(chan struct{})}
}

func (c *pipeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *pipeConn) Inbound() <-chan protocol.Envelope { return c.inbound }
func (c *pipeConn) Done() <-chan struct{}             { return c.done }
func (c *pipeConn) Err() error                        { return nil }

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		close(c.inbound)
	})
	return nil
}

func (c *pipeConn) push(t *testing.T, event protocol.EventName, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	c.inbound <- env
}

func (c *pipeConn) sentEvents(event protocol.EventName) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

type pipeDialer struct {
	mu    sync.Mutex
	conns []*pipeConn
}

func (d *pipeDialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type fakeREST struct {
	mu       sync.Mutex
	history  map[int64][]models.Message
	gate     chan struct{}
	canceled int
	fail     error
	calls    int
	nextID   int64
}

func (r *fakeREST) History(ctx context.Context, roomID int64, limit int, before int64) ([]models.Message, error) {
	r.mu.Lock()
	r.calls++
	gate := r.gate
	msgs := r.history[roomID]
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			r.mu.Lock()
			r.canceled++
			r.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	return msgs, nil
}

func (r *fakeREST) SendMessage(ctx context.Context, roomID int64, text, clientToken string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return models.Message{ID: 1000 + r.nextID, RoomID: roomID, Text: text, SenderHandle: "me", ClientToken: clientToken, CreatedAt: time.Now()}, nil
}

func (r *fakeREST) Upload(ctx context.Context, roomID int64, kind models.AttachmentKind, name string, data []byte) (models.Message, error) {
	return models.Message{}, errors.New("not supported")
}

func (r *fakeREST) historyCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeREST) canceledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

type recorder struct {
	NopObserver
	mu        sync.Mutex
	states    []connection.StateChange
	timelines map[int64]int
	typing    map[int64][]string
	confirmed []models.Message
	errs      []error
}

func newRecorder() *recorder {
	return &recorder{timelines: map[int64]int{}, typing: map[int64][]string{}}
}

func (r *recorder) StateChanged(c connection.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, c)
}

func (r *recorder) TimelineChanged(roomID int64, tl timeline.Timeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timelines[roomID]++
}

func (r *recorder) TypingChanged(roomID int64, users []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing[roomID] = users
}

func (r *recorder) SendConfirmed(p send.Pending, msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = append(r.confirmed, msg)
}

func (r *recorder) Error(roomID int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type env struct {
	t      *testing.T
	s      *Session
	sched  *eventloop.ManualScheduler
	dialer *pipeDialer
	rest   *fakeREST
	obs    *recorder
}

func newEnv(t *testing.T, cfg Config, conns ...*pipeConn) *env {
	t.Helper()
	metrics.Reset()
	e := &env{
		t:      t,
		sched:  eventloop.NewManualScheduler(),
		dialer: &pipeDialer{conns: conns},
		rest:   &fakeREST{history: map[int64][]models.Message{}},
		obs:    newRecorder(),
	}
	s, err := NewSession(cfg, Deps{
		Dialer:      e.dialer,
		REST:        e.rest,
		Credentials: memCreds{token: "tok", handle: "me"},
		Observer:    e.obs,
		Scheduler:   e.sched,
	})
	require.NoError(t, err)
	e.s = s

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		s.Close()
		cancel()
	})
	return e
}

func (e *env) advance(d time.Duration) {
	require.NoError(e.t, e.s.loop.Call(func() { e.sched.Advance(d) }))
}

func (e *env) connect() {
	require.NoError(e.t, e.s.Connect())
	require.Eventually(e.t, func() bool { return e.s.State() == models.StateConnected }, time.Second, 2*time.Millisecond)
}

func (e *env) waitTimeline(roomID int64, ids ...int64) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		got := e.s.Timeline(roomID).IDs()
		if len(got) != len(ids) {
			return false
		}
		for i := range ids {
			if got[i] != ids[i] {
				return false
			}
		}
		return true
	}, time.Second, 2*time.Millisecond)
}

func at(sec int64) time.Time { return time.Unix(1700000000+sec, 0) }

func TestPushForUnjoinedRoomIsIgnored(t *testing.T) {
	conn := newPipeConn()
	e := newEnv(t, DefaultConfig(), conn)
	e.connect()
	require.NoError(t, e.s.EnterRoom(1))
	e.waitTimeline(1)

	conn.push(t, protocol.EventNewMessage, protocol.MessagePayload{RoomID: 2, Message: models.Message{ID: 5, CreatedAt: at(1)}})
	conn.push(t, protocol.EventNewMessage, protocol.MessagePayload{RoomID: 1, Message: models.Message{ID: 6, CreatedAt: at(2)}})

	e.waitTimeline(1, 6)
	assert.Zero(t, e.s.Timeline(2).Len())
	assert.Equal(t, int64(1), metrics.Snapshot()["ignored_pushes"])
}

func TestHistoryArrivingAfterPushMergesWithoutDuplicates(t *testing.T) {
	conn := newPipeConn()
	e := newEnv(t, DefaultConfig(), conn)
	e.rest.history[1] = []models.Message{{ID: 1, RoomID: 1, CreatedAt: at(1)}, {ID: 2, RoomID: 1, CreatedAt: at(2)}}
	e.rest.gate = make(chan struct{})
	e.connect()

	require.NoError(t, e.s.EnterRoom(1))
	conn.push(t, protocol.EventNewMessage, protocol.MessagePayload{RoomID: 1, Message: models.Message{ID: 2, RoomID: 1, CreatedAt: at(2)}})
	e.waitTimeline(1, 2)

	close(e.rest.gate)
	e.waitTimeline(1, 1, 2)

	joins := conn.sentEvents(protocol.EventJoinRoom)
	require.Len(t, joins, 1)
}

func TestConnectedSendShowsUpOnceFromEcho(t *testing.T) {
	conn := newPipeConn()
	e := newEnv(t, DefaultConfig(), conn)
	e.connect()
	require.NoError(t, e.s.EnterRoom(3))
	e.waitTimeline(3)

	token, err := e.s.Send(3, "hello")
	require.NoError(t, err)
	assert.Zero(t, e.s.Timeline(3).Len())

	sends := conn.sentEvents(protocol.EventSendMessage)
	require.Len(t, sends, 1)
	var p protocol.SendPayload
	require.NoError(t, sends[0].DecodeData(&p))
	assert.Equal(t, token, p.Message.ClientToken)
	assert.Len(t, conn.sentEvents(protocol.EventTypingStop), 1)

	echo := models.Message{ID: 40, RoomID: 3, Text: "hello", SenderHandle: "me", ClientToken: token, CreatedAt: at(5)}
	conn.push(t, protocol.EventNewMessage, protocol.MessagePayload{RoomID: 3, Message: echo})
	conn.push(t, protocol.EventNewMessage, protocol.MessagePayload{RoomID: 3, Message: echo})

	e.waitTimeline(3, 40)
	require.Eventually(t, func() bool { return len(e.s.PendingSends(3)) == 0 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int64(1), metrics.GetDuplicatePushes())
}

func TestOfflineSendGoesThroughRest(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	require.NoError(t, e.s.EnterRoom(4))
	e.waitTimeline(4)

	_, err := e.s.Send(4, "while offline")
	require.NoError(t, err)

	e.waitTimeline(4, 1001)
	assert.Equal(t, "while offline", e.s.Timeline(4).Messages()[0].Text)
}

func TestSendToUnjoinedRoom(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	_, err := e.s.Send(9, "hi")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestLeaveRoomCancelsHistoryFetch(t *testing.T) {
	conn := newPipeConn()
	e := newEnv(t, DefaultConfig(), conn)
	e.rest.gate = make(chan struct{})
	e.connect()

	require.NoError(t, e.s.EnterRoom(6))
	require.Eventually(t, func() bool { return e.rest.historyCalls() == 1 }, time.Second, 2*time.Millisecond)
	require.NoError(t, e.s.LeaveRoom(6))

	require.Eventually(t, func() bool { return e.rest.canceledCount() == 1 }, time.Second, 2*time.Millisecond)
	assert.Empty(t, e.s.Rooms())
	assert.Empty(t, e.obs.errors())
	assert.Len(t, conn.sentEvents(protocol.EventLeaveRoom), 1)
}

func TestExhaustedReconnectFailsPendingSends(t *testing.T) {
	conn := newPipeConn()
	cfg := DefaultConfig()
	cfg.Reconnect.MaxAttempts = 0
	e := newEnv(t, cfg, conn)
	e.connect()
	require.NoError(t, e.s.EnterRoom(2))

	_, err := e.s.Send(2, "lost")
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool { return len(e.obs.errors()) == 2 }, time.Second, 2*time.Millisecond)
	errs := e.obs.errors()

	var terr *TransportError
	var serr *SendTimeoutError
	assert.True(t, errors.As(errs[0], &serr) || errors.As(errs[1], &serr))
	assert.True(t, errors.As(errs[0], &terr) || errors.As(errs[1], &terr))
	assert.ErrorAs(t, serr, &terr)

	assert.Equal(t, []int64{2}, e.s.Rooms())
	assert.Equal(t, models.StateDisconnected, e.s.State())
}

func TestRemoteTypingExpires(t *testing.T) {
	conn := newPipeConn()
	e := newEnv(t, DefaultConfig(), conn)
	e.connect()
	require.NoError(t, e.s.EnterRoom(1))

	conn.push(t, protocol.EventUserTyping, protocol.TypingPayload{RoomID: 1, User: "alice"})
	conn.push(t, protocol.EventUserTyping, protocol.TypingPayload{RoomID: 1, User: "me"})
	conn.push(t, protocol.EventUserTyping, protocol.TypingPayload{RoomID: 7, User: "bob"})
	require.Eventually(t, func() bool { return len(e.s.TypingUsers(1)) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"alice"}, e.s.TypingUsers(1))
	assert.Empty(t, e.s.TypingUsers(7))

	e.advance(3 * time.Second)
	assert.Empty(t, e.s.TypingUsers(1))
}

func TestLocalTypingDebounced(t *testing.T) {
	conn := newPipeConn()
	e := newEnv(t, DefaultConfig(), conn)
	e.connect()
	require.NoError(t, e.s.EnterRoom(1))

	for i := 0; i < 10; i++ {
		require.NoError(t, e.s.Typing(1))
	}
	e.advance(2 * time.Second)

	assert.Len(t, conn.sentEvents(protocol.EventTypingStart), 1)
	assert.Len(t, conn.sentEvents(protocol.EventTypingStop), 1)
}

func TestConnectNeedsCredentials(t *testing.T) {
	s, err := NewSession(DefaultConfig(), Deps{
		Dialer:      &pipeDialer{},
		REST:        &fakeREST{},
		Credentials: memCreds{},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Connect(), ErrNotLoggedIn)
}

func TestDisconnectForgetsRooms(t *testing.T) {
	conn := newPipeConn()
	e := newEnv(t, DefaultConfig(), conn)
	e.connect()
	require.NoError(t, e.s.EnterRoom(1))
	require.NoError(t, e.s.EnterRoom(2))
	require.NoError(t, e.s.Disconnect())

	assert.Empty(t, e.s.Rooms())
	assert.Equal(t, models.StateDisconnected, e.s.State())
	select {
	case <-conn.Done():
	default:
		t.Fatal("connection left open")
	}
}

func TestFailedHistoryFetchSurfacesAndRetries(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.rest.mu.Lock()
	e.rest.fail = errors.New("server returned 500")
	e.rest.history[7] = []models.Message{{ID: 1, RoomID: 7, CreatedAt: at(1)}}
	e.rest.mu.Unlock()

	require.NoError(t, e.s.EnterRoom(7))
	require.Eventually(t, func() bool { return len(e.obs.errors()) == 1 }, time.Second, 2*time.Millisecond)

	var herr *HistoryFetchError
	require.ErrorAs(t, e.obs.errors()[0], &herr)
	assert.Equal(t, int64(7), herr.RoomID)
	assert.Zero(t, e.s.Timeline(7).Len())

	e.rest.mu.Lock()
	e.rest.fail = nil
	e.rest.mu.Unlock()
	require.NoError(t, e.s.RetryHistory(7))
	e.waitTimeline(7, 1)
	assert.Len(t, e.obs.errors(), 1)
}

func TestReenteringRoomLoadsHistoryAfterLeave(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.rest.history[7] = []models.Message{{ID: 1, RoomID: 7, CreatedAt: at(1)}}
	e.rest.gate = make(chan struct{})

	require.NoError(t, e.s.EnterRoom(7))
	require.Eventually(t, func() bool { return e.rest.historyCalls() == 1 }, time.Second, 2*time.Millisecond)
	require.NoError(t, e.s.LeaveRoom(7))
	require.Eventually(t, func() bool { return e.rest.canceledCount() == 1 }, time.Second, 2*time.Millisecond)

	e.rest.mu.Lock()
	e.rest.gate = nil
	e.rest.mu.Unlock()
	require.NoError(t, e.s.EnterRoom(7))
	e.waitTimeline(7, 1)
	assert.Empty(t, e.obs.errors())
}

func TestRetriedSendShowsUpOnceWhenServerStoresTwice(t *testing.T) {
	conn := newPipeConn()
	e := newEnv(t, DefaultConfig(), conn)
	e.connect()
	require.NoError(t, e.s.EnterRoom(3))
	e.waitTimeline(3)

	token, err := e.s.Send(3, "hello")
	require.NoError(t, err)
	e.advance(DefaultConfig().SendTimeout)
	require.Eventually(t, func() bool { return len(e.obs.errors()) == 1 }, time.Second, 2*time.Millisecond)
	require.NoError(t, e.s.RetrySend(token))

	first := models.Message{ID: 40, RoomID: 3, Text: "hello", SenderHandle: "me", ClientToken: token, CreatedAt: at(5)}
	second := first
	second.ID = 41
	second.CreatedAt = at(6)
	conn.push(t, protocol.EventNewMessage, protocol.MessagePayload{RoomID: 3, Message: first})
	conn.push(t, protocol.EventNewMessage, protocol.MessagePayload{RoomID: 3, Message: second})

	require.Eventually(t, func() bool { return metrics.GetDuplicatePushes() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []int64{40}, e.s.Timeline(3).IDs())
	assert.Empty(t, e.s.PendingSends(3))
}
