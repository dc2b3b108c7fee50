// Package chat assembles the synchronization engine into a Session: one
// connection, the rooms it has entered, their timelines and typing state,
// and the send path. All of it is mutated on a single event loop.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/binhbb2204/chatsync/internal/connection"
	"github.com/binhbb2204/chatsync/internal/eventloop"
	"github.com/binhbb2204/chatsync/internal/protocol"
	"github.com/binhbb2204/chatsync/internal/send"
	"github.com/binhbb2204/chatsync/internal/timeline"
	"github.com/binhbb2204/chatsync/internal/transport"
	"github.com/binhbb2204/chatsync/internal/typing"
	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/binhbb2204/chatsync/pkg/metrics"
	"github.com/binhbb2204/chatsync/pkg/models"
)

const closeTimeout = 2 * time.Second

// CredentialStore hands out the auth token and the local user's handle.
type CredentialStore interface {
	Token() (string, error)
	Handle() string
}

// REST is the request/response API the session falls back on.
type REST interface {
	timeline.HistorySource
	send.Fallback
}

type Config struct {
	Reconnect    connection.ReconnectPolicy
	DialTimeout  time.Duration
	HistoryLimit int
	TypingWindow time.Duration
	TypingExpiry time.Duration
	SendTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Reconnect:    connection.DefaultReconnectPolicy(),
		HistoryLimit: timeline.DefaultHistoryLimit,
		TypingWindow: typing.DefaultWindow,
		TypingExpiry: typing.DefaultExpiry,
		SendTimeout:  send.DefaultTimeout,
	}
}

type Deps struct {
	Dialer      transport.Dialer
	REST        REST
	Credentials CredentialStore
	Observer    Observer
	// Scheduler replaces wall-clock timers, for tests.
	Scheduler eventloop.Scheduler
}

type fetch struct {
	cancel context.CancelFunc
}

type Session struct {
	cfg   Config
	loop  *eventloop.Loop
	exec  eventloop.Executor
	creds CredentialStore
	obs   Observer

	ctx    context.Context
	cancel context.CancelFunc

	mgr      *connection.Manager
	recon    *timeline.Reconciler
	debounce *typing.Debouncer
	presence *typing.Presence
	sender   *send.Selector
	fetches  map[int64]*fetch
	self     string

	log *logger.Logger
}

func NewSession(cfg Config, deps Deps) (*Session, error) {
	if deps.Dialer == nil || deps.REST == nil || deps.Credentials == nil {
		return nil, errors.New("chat session needs a dialer, a REST client and a credential store")
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}

	loop := eventloop.New()
	var exec eventloop.Executor = loop
	if deps.Scheduler != nil {
		exec = loop.WithScheduler(deps.Scheduler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		loop:    loop,
		exec:    exec,
		creds:   deps.Credentials,
		obs:     deps.Observer,
		ctx:     ctx,
		cancel:  cancel,
		fetches: make(map[int64]*fetch),
		log:     logger.WithContext("component", "chat_session"),
	}

	s.mgr = connection.NewManager(exec, deps.Dialer, connection.Options{
		Policy:      cfg.Reconnect,
		DialTimeout: cfg.DialTimeout,
	})
	s.recon = timeline.NewReconciler(deps.REST, cfg.HistoryLimit)
	s.debounce = typing.NewDebouncer(exec, s.mgr, cfg.TypingWindow)
	s.presence = typing.NewPresence(exec, cfg.TypingExpiry, s.obs.TypingChanged)
	s.sender = send.NewSelector(ctx, exec, s.mgr, deps.REST, send.Config{Timeout: cfg.SendTimeout}, send.Hooks{
		Pending:   s.obs.SendPending,
		Delivered: s.obs.SendConfirmed,
		Stored:    s.onStored,
		Failed:    s.obs.Error,
	})

	s.mgr.OnStateChange(s.onStateChange)
	s.mgr.Subscribe(protocol.EventNewMessage, s.onNewMessage)
	s.mgr.Subscribe(protocol.EventUserTyping, s.onTyping(true))
	s.mgr.Subscribe(protocol.EventUserStoppedTyping, s.onTyping(false))
	s.mgr.Subscribe(protocol.EventError, s.onServerError)
	return s, nil
}

// Run drives the event loop until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	err := s.loop.Run(s.ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close disconnects and stops the loop.
func (s *Session) Close() {
	done := make(chan struct{})
	go func() {
		s.loop.Call(s.disconnect)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		s.log.Warn("close_timed_out")
	}
	s.cancel()
}

// Connect reads the token from the credential store and starts a
// connection. It returns before the connection is up; watch StateChanged.
func (s *Session) Connect() error {
	token, err := s.creds.Token()
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNotLoggedIn
	}
	handle := s.creds.Handle()
	return s.post(func() {
		s.self = handle
		s.sender.SetSelf(handle)
		s.mgr.Connect(token)
	})
}

func (s *Session) Disconnect() error {
	return s.post(s.disconnect)
}

// EnterRoom joins a room and loads its newest history page.
func (s *Session) EnterRoom(roomID int64) error {
	return s.post(func() {
		if s.mgr.Rooms().Join(roomID) {
			s.fetch(roomID, 0)
		}
	})
}

func (s *Session) LeaveRoom(roomID int64) error {
	return s.post(func() { s.leave(roomID) })
}

func (s *Session) RetryHistory(roomID int64) error {
	return s.post(func() {
		if s.mgr.Rooms().Contains(roomID) {
			s.fetch(roomID, 0)
		}
	})
}

// LoadOlder fetches the page before the oldest message already loaded.
func (s *Session) LoadOlder(roomID int64) error {
	return s.post(func() {
		if !s.mgr.Rooms().Contains(roomID) {
			return
		}
		oldest, ok := s.recon.Timeline(roomID).Oldest()
		if !ok {
			s.fetch(roomID, 0)
			return
		}
		s.fetch(roomID, oldest.ID)
	})
}

// Typing records a keystroke in the room's input.
func (s *Session) Typing(roomID int64) error {
	return s.post(func() {
		if s.mgr.Rooms().Contains(roomID) {
			s.debounce.Keystroke(roomID)
		}
	})
}

// Send submits text to a room and returns the client token tagging it.
// It must not be called from an Observer callback.
func (s *Session) Send(roomID int64, text string) (string, error) {
	var token string
	var err error
	callErr := s.loop.Call(func() {
		if !s.mgr.Rooms().Contains(roomID) {
			err = ErrNotJoined
			return
		}
		token, err = s.sender.Send(roomID, text)
		if err == nil {
			s.debounce.MessageSent(roomID)
		}
	})
	if callErr != nil {
		return "", callErr
	}
	return token, err
}

func (s *Session) SendAttachment(roomID int64, kind models.AttachmentKind, name string, data []byte) error {
	return s.post(func() { s.sender.SendAttachment(roomID, kind, name, data) })
}

func (s *Session) RetrySend(token string) error {
	var err error
	if callErr := s.loop.Call(func() { err = s.sender.Retry(token) }); callErr != nil {
		return callErr
	}
	return err
}

func (s *Session) State() models.ConnectionState {
	st := models.StateDisconnected
	s.loop.Call(func() { st = s.mgr.State() })
	return st
}

func (s *Session) Timeline(roomID int64) timeline.Timeline {
	var tl timeline.Timeline
	s.loop.Call(func() { tl = s.recon.Timeline(roomID) })
	return tl
}

func (s *Session) TypingUsers(roomID int64) []string {
	var users []string
	s.loop.Call(func() { users = s.presence.Users(roomID) })
	return users
}

func (s *Session) Rooms() []int64 {
	var ids []int64
	s.loop.Call(func() { ids = s.mgr.Rooms().Rooms() })
	return ids
}

func (s *Session) PendingSends(roomID int64) []send.Pending {
	var out []send.Pending
	s.loop.Call(func() { out = s.sender.Pending(roomID) })
	return out
}

func (s *Session) post(fn func()) error {
	if !s.loop.Post(fn) {
		return eventloop.ErrStopped
	}
	return nil
}

// Everything below runs on the loop.

func (s *Session) disconnect() {
	rooms := s.mgr.Rooms().Rooms()
	s.mgr.Disconnect()
	s.abortRoomOps(send.ErrConnectionGone)
	for _, id := range rooms {
		s.presence.ClearRoom(id)
		s.recon.Drop(id)
	}
}

func (s *Session) leave(roomID int64) {
	s.cancelFetch(roomID)
	s.debounce.Cancel(roomID)
	s.mgr.Rooms().Leave(roomID)
	s.presence.ClearRoom(roomID)
	s.recon.Drop(roomID)
}

func (s *Session) abortRoomOps(cause error) {
	for id := range s.fetches {
		s.cancelFetch(id)
	}
	s.sender.FailAll(cause)
	s.debounce.Reset()
}

func (s *Session) fetch(roomID, before int64) {
	s.cancelFetch(roomID)
	ctx, cancel := context.WithCancel(s.ctx)
	f := &fetch{cancel: cancel}
	s.fetches[roomID] = f

	go func() {
		msgs, err := s.recon.LoadPage(ctx, roomID, before)
		s.exec.Post(func() { s.historyDone(roomID, f, msgs, err) })
	}()
}

func (s *Session) cancelFetch(roomID int64) {
	if f, ok := s.fetches[roomID]; ok {
		f.cancel()
		delete(s.fetches, roomID)
	}
}

// historyDone applies a fetch result. A fetch that was cancelled or
// replaced is no longer in s.fetches and its result is dropped.
func (s *Session) historyDone(roomID int64, f *fetch, msgs []models.Message, err error) {
	if cur, ok := s.fetches[roomID]; !ok || cur != f {
		return
	}
	delete(s.fetches, roomID)
	f.cancel()
	if err != nil {
		s.log.Warn("history_fetch_failed", "room_id", roomID, "error", err.Error())
		s.obs.Error(roomID, &HistoryFetchError{RoomID: roomID, Err: err})
		return
	}
	if !s.mgr.Rooms().Contains(roomID) {
		return
	}
	tl, added := s.recon.Apply(roomID, msgs)
	s.log.Debug("history_merged", "room_id", roomID, "added", added)
	s.obs.TimelineChanged(roomID, tl)
}

func (s *Session) onStateChange(change connection.StateChange) {
	if change.New == models.StateDisconnected {
		s.presence.Reset()
		s.debounce.Reset()
		if change.Err != nil {
			s.abortRoomOps(change.Err)
			s.obs.Error(0, change.Err)
		}
	}
	s.obs.StateChanged(change)
}

func (s *Session) onNewMessage(env protocol.Envelope) {
	var p protocol.MessagePayload
	if err := env.DecodeData(&p); err != nil {
		s.log.Warn("bad_new_message", "error", err.Error())
		return
	}
	msg := p.Message
	roomID := p.RoomID
	if roomID == 0 {
		roomID = msg.RoomID
	}
	msg.RoomID = roomID
	if !s.mgr.Rooms().Contains(roomID) {
		metrics.IncrementIgnoredPushes()
		return
	}
	if s.sender.Redelivered(msg) {
		s.log.Info("redelivered_send_dropped", "room_id", roomID, "message_id", msg.ID, "client_token", msg.ClientToken)
		metrics.IncrementDuplicatePushes()
		return
	}

	tl, added := s.recon.OnLivePush(roomID, msg)
	if added {
		s.obs.TimelineChanged(roomID, tl)
	} else {
		metrics.IncrementDuplicatePushes()
	}
	if msg.SenderHandle != "" && msg.SenderHandle != s.self {
		s.presence.Signal(models.TypingSignal{RoomID: roomID, UserHandle: msg.SenderHandle})
	}
	s.sender.Acknowledge(msg)
}

func (s *Session) onTyping(isTyping bool) connection.Handler {
	return func(env protocol.Envelope) {
		var p protocol.TypingPayload
		if err := env.DecodeData(&p); err != nil {
			s.log.Warn("bad_typing_event", "error", err.Error())
			return
		}
		if p.User == s.self || !s.mgr.Rooms().Contains(p.RoomID) {
			return
		}
		s.presence.Signal(models.TypingSignal{RoomID: p.RoomID, UserHandle: p.User, IsTyping: isTyping})
	}
}

func (s *Session) onServerError(env protocol.Envelope) {
	var p protocol.ErrorPayload
	if err := env.DecodeData(&p); err != nil {
		return
	}
	s.log.Warn("server_error", "message", p.Message, "code", p.Code)
	s.obs.Error(0, &ServerError{Message: p.Message, Code: p.Code})
}

func (s *Session) onStored(msg models.Message) {
	if !s.mgr.Rooms().Contains(msg.RoomID) {
		return
	}
	tl, added := s.recon.Apply(msg.RoomID, []models.Message{msg})
	if added > 0 {
		s.obs.TimelineChanged(msg.RoomID, tl)
	}
}
