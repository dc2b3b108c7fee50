// Package send picks the path a composed message takes: the live
// connection when it is up, the REST API otherwise.
package send

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/binhbb2204/chatsync/internal/eventloop"
	"github.com/binhbb2204/chatsync/internal/protocol"
	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/binhbb2204/chatsync/pkg/metrics"
	"github.com/binhbb2204/chatsync/pkg/models"
)

const DefaultTimeout = 10 * time.Second

// deliveredMemory bounds how many confirmed tokens are kept for spotting
// redeliveries.
const deliveredMemory = 512

// Link is the live side of the connection manager.
type Link interface {
	Connected() bool
	Emit(event protocol.EventName, payload interface{}) bool
}

// Fallback is the REST side.
type Fallback interface {
	SendMessage(ctx context.Context, roomID int64, text, clientToken string) (models.Message, error)
	Upload(ctx context.Context, roomID int64, kind models.AttachmentKind, name string, data []byte) (models.Message, error)
}

// Hooks are invoked on the loop. Any of them may be nil.
type Hooks struct {
	Pending   func(p Pending)
	Delivered func(p Pending, msg models.Message)
	// Stored is called with a message the REST API created. The live
	// path never calls it: those messages arrive as pushes.
	Stored func(msg models.Message)
	Failed func(roomID int64, err error)
}

type Pending struct {
	Token  string
	RoomID int64
	Text   string
	SentAt time.Time
	Failed bool

	timer eventloop.Timer
}

type Config struct {
	Timeout time.Duration
	// Self is the local user's handle, used to match echoes that come
	// back without a client token.
	Self string
}

// Selector must be used on the loop behind exec.
type Selector struct {
	ctx     context.Context
	exec    eventloop.Executor
	link    Link
	rest    Fallback
	cfg     Config
	hooks   Hooks
	pending map[string]*Pending
	order   []string
	now     func() time.Time

	// delivered maps recently confirmed client tokens to the message id
	// the server gave them, oldest first in deliveredOrder.
	delivered      map[string]int64
	deliveredOrder []string
	log     *logger.Logger
}

// NewSelector builds a selector. REST calls it starts live under ctx and
// are not cut short by a disconnect.
func NewSelector(ctx context.Context, exec eventloop.Executor, link Link, rest Fallback, cfg Config, hooks Hooks) *Selector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Selector{
		ctx:     ctx,
		exec:    exec,
		link:    link,
		rest:    rest,
		cfg:     cfg,
		hooks:   hooks,
		pending: make(map[string]*Pending),
		now:     time.Now,

		delivered: make(map[string]int64),
		log:     logger.WithContext("component", "send_selector"),
	}
}

func (s *Selector) SetSelf(handle string) { s.cfg.Self = handle }

// Send routes text to roomID and returns the client token it was tagged
// with. On the live path nothing is appended locally: the message shows up
// when the server pushes it back.
func (s *Selector) Send(roomID int64, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	token := uuid.NewString()
	s.route(roomID, text, token)
	return token, nil
}

// Retry resends a message whose confirmation timed out, under the same
// client token.
func (s *Selector) Retry(token string) error {
	p, ok := s.pending[token]
	if !ok {
		return ErrUnknownSend
	}
	if !p.Failed {
		return ErrSendInFlight
	}
	s.forget(token)
	s.route(p.RoomID, p.Text, token)
	return nil
}

// SendAttachment always uploads over REST.
func (s *Selector) SendAttachment(roomID int64, kind models.AttachmentKind, name string, data []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 4*s.cfg.Timeout)
		defer cancel()
		msg, err := s.rest.Upload(ctx, roomID, kind, name, data)
		s.exec.Post(func() { s.restDone(roomID, name, msg, err) })
	}()
}

// Acknowledge matches a pushed message against in-flight sends. It
// reports whether the message was one of ours.
func (s *Selector) Acknowledge(msg models.Message) bool {
	p := s.match(msg)
	if p == nil {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	s.forget(p.Token)
	s.remember(p.Token, msg.ID)
	if p.Failed {
		s.log.Info("late_echo_cleared_failure", "room_id", p.RoomID, "message_id", msg.ID)
	}
	if s.hooks.Delivered != nil {
		s.hooks.Delivered(*p, msg)
	}
	return true
}

// Redelivered reports whether msg is a second copy of one of our sends,
// stored by the server under a different id after a retry.
func (s *Selector) Redelivered(msg models.Message) bool {
	if msg.ClientToken == "" {
		return false
	}
	id, ok := s.delivered[msg.ClientToken]
	return ok && id != msg.ID
}

func (s *Selector) remember(token string, id int64) {
	if token == "" {
		return
	}
	if _, ok := s.delivered[token]; !ok {
		s.deliveredOrder = append(s.deliveredOrder, token)
	}
	s.delivered[token] = id
	if len(s.deliveredOrder) > deliveredMemory {
		delete(s.delivered, s.deliveredOrder[0])
		s.deliveredOrder = s.deliveredOrder[1:]
	}
}

// FailAll marks every unconfirmed live send as failed, e.g. when the
// connection is gone for good. Entries stay around for Retry and for a
// late echo.
func (s *Selector) FailAll(cause error) int {
	n := 0
	for _, token := range s.order {
		p := s.pending[token]
		if p.Failed {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		s.fail(p, cause)
		n++
	}
	return n
}

func (s *Selector) Pending(roomID int64) []Pending {
	var out []Pending
	for _, token := range s.order {
		if p := s.pending[token]; p.RoomID == roomID {
			out = append(out, *p)
		}
	}
	return out
}

func (s *Selector) Len() int { return len(s.pending) }

func (s *Selector) route(roomID int64, text, token string) {
	if s.link.Connected() {
		payload := protocol.SendPayload{
			RoomID:  roomID,
			Message: protocol.OutboundMessage{Text: text, ClientToken: token},
		}
		if s.link.Emit(protocol.EventSendMessage, payload) {
			s.track(roomID, text, token)
			return
		}
		s.log.Warn("live_send_failed_using_rest", "room_id", roomID)
	}

	metrics.IncrementFallbackSends()
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
		defer cancel()
		msg, err := s.rest.SendMessage(ctx, roomID, text, token)
		s.exec.Post(func() { s.restDone(roomID, text, msg, err) })
	}()
}

func (s *Selector) track(roomID int64, text, token string) {
	p := &Pending{Token: token, RoomID: roomID, Text: text, SentAt: s.now()}
	p.timer = s.exec.AfterFunc(s.cfg.Timeout, func() {
		cur, ok := s.pending[token]
		if !ok || cur != p || p.Failed {
			return
		}
		p.timer = nil
		metrics.IncrementSendTimeouts()
		s.fail(p, nil)
	})
	s.pending[token] = p
	s.order = append(s.order, token)
	if s.hooks.Pending != nil {
		s.hooks.Pending(*p)
	}
}

func (s *Selector) fail(p *Pending, cause error) {
	p.Failed = true
	s.log.Warn("send_unconfirmed", "room_id", p.RoomID, "client_token", p.Token)
	if s.hooks.Failed != nil {
		s.hooks.Failed(p.RoomID, &SendTimeoutError{
			RoomID:      p.RoomID,
			ClientToken: p.Token,
			Text:        p.Text,
			After:       s.cfg.Timeout,
			Cause:       cause,
		})
	}
}

func (s *Selector) restDone(roomID int64, text string, msg models.Message, err error) {
	if err != nil {
		s.log.Error("rest_send_failed", "room_id", roomID, "error", err.Error())
		if s.hooks.Failed != nil {
			s.hooks.Failed(roomID, &SendFallbackError{RoomID: roomID, Text: text, Err: err})
		}
		return
	}
	s.remember(msg.ClientToken, msg.ID)
	if s.hooks.Stored != nil {
		s.hooks.Stored(msg)
	}
}

func (s *Selector) match(msg models.Message) *Pending {
	if msg.ClientToken != "" {
		return s.pending[msg.ClientToken]
	}
	for _, token := range s.order {
		p := s.pending[token]
		if p.RoomID != msg.RoomID || p.Text != msg.Text {
			continue
		}
		if s.cfg.Self != "" && msg.SenderHandle != s.cfg.Self {
			continue
		}
		return p
	}
	return nil
}

func (s *Selector) forget(token string) {
	delete(s.pending, token)
	for i, t := range s.order {
		if t == token {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
