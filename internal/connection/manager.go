// Package connection owns the single live connection of a chat session:
// its state machine, reconnect policy and event fan-out.
package connection

import (
	"context"
	"time"

	"github.com/binhbb2204/chatsync/internal/eventloop"
	"github.com/binhbb2204/chatsync/internal/protocol"
	"github.com/binhbb2204/chatsync/internal/rooms"
	"github.com/binhbb2204/chatsync/internal/transport"
	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/binhbb2204/chatsync/pkg/metrics"
	"github.com/binhbb2204/chatsync/pkg/models"
)

const defaultDialTimeout = 10 * time.Second

type Handler func(env protocol.Envelope)

type StateChange struct {
	Old models.ConnectionState
	New models.ConnectionState
	// Err is set only when the reconnect policy gave up.
	Err error
	// Retrying is true while a reconnect attempt is scheduled.
	Retrying bool
	Attempt  int
}

type StateListener func(StateChange)

type Options struct {
	Policy      ReconnectPolicy
	DialTimeout time.Duration
}

// Manager methods must be called on the executor's loop. Handlers and
// state listeners are invoked there as well.
type Manager struct {
	exec   eventloop.Executor
	dialer transport.Dialer
	opts   Options

	state      models.ConnectionState
	token      string
	conn       transport.Conn
	gen        uint64
	attempt    int
	retryTimer eventloop.Timer
	cancelDial context.CancelFunc

	rooms     *rooms.Registry
	handlers  map[protocol.EventName][]Handler
	listeners []StateListener
	log       *logger.Logger
}

func NewManager(exec eventloop.Executor, dialer transport.Dialer, opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Policy.Interval <= 0 {
		opts.Policy.Interval = DefaultReconnectPolicy().Interval
	}
	m := &Manager{
		exec:     exec,
		dialer:   dialer,
		opts:     opts,
		state:    models.StateDisconnected,
		handlers: make(map[protocol.EventName][]Handler),
		log:      logger.WithContext("component", "connection_manager"),
	}
	m.rooms = rooms.NewRegistry(m)
	return m
}

func (m *Manager) State() models.ConnectionState { return m.state }

func (m *Manager) Connected() bool { return m.state == models.StateConnected }

func (m *Manager) Rooms() *rooms.Registry { return m.rooms }

func (m *Manager) Subscribe(event protocol.EventName, h Handler) {
	m.handlers[event] = append(m.handlers[event], h)
}

func (m *Manager) OnStateChange(fn StateListener) {
	m.listeners = append(m.listeners, fn)
}

// Connect starts a connection cycle. It does nothing while a connection is
// being established or is up. Calling it during a reconnect backoff starts
// a fresh cycle immediately.
func (m *Manager) Connect(token string) {
	if m.state != models.StateDisconnected {
		m.log.Debug("connect_ignored", "state", m.state.String())
		return
	}
	m.stopRetry()
	m.token = token
	m.attempt = 0
	m.dial()
}

// Disconnect tears the connection down, forgets joined rooms and cancels
// any scheduled reconnect. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.gen++
	m.stopRetry()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.rooms.Clear()
	m.attempt = 0
	m.token = ""
	m.setState(models.StateDisconnected, StateChange{})
}

// Emit sends an event on the live connection. It reports false, and the
// event is dropped, unless the manager is connected.
func (m *Manager) Emit(event protocol.EventName, payload interface{}) bool {
	if m.state != models.StateConnected || m.conn == nil {
		metrics.IncrementEmitsDropped()
		m.log.Debug("emit_dropped", "event", string(event), "state", m.state.String())
		return false
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		m.log.Error("emit_encode_failed", "event", string(event), "error", err.Error())
		return false
	}
	if err := m.conn.Send(env); err != nil {
		metrics.IncrementEmitsDropped()
		m.log.Warn("emit_failed", "event", string(event), "error", err.Error())
		return false
	}
	return true
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	token := m.token
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.cancelDial = cancel
	m.setState(models.StateConnecting, StateChange{Attempt: m.attempt})

	go func() {
		conn, err := m.dialer.Dial(ctx, token)
		if !m.exec.Post(func() { m.onDialResult(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Manager) onDialResult(gen uint64, conn transport.Conn, err error) {
	if gen != m.gen || m.state != models.StateConnecting {
		if conn != nil {
			conn.Close()
		}
		m.log.Debug("stale_dial_result_discarded")
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.log.Warn("dial_failed", "attempt", m.attempt, "error", err.Error())
		m.handleFailure(err)
		return
	}

	m.conn = conn
	m.attempt = 0
	m.setState(models.StateConnected, StateChange{})
	// joins go out before any inbound event of this connection is dispatched
	m.rooms.Replay()
	go m.forward(gen, conn)
}

func (m *Manager) forward(gen uint64, conn transport.Conn) {
	for env := range conn.Inbound() {
		env := env
		if !m.exec.Post(func() { m.dispatch(gen, env) }) {
			conn.Close()
			return
		}
	}
	m.exec.Post(func() { m.onDrop(gen, conn) })
}

func (m *Manager) dispatch(gen uint64, env protocol.Envelope) {
	if gen != m.gen || m.state != models.StateConnected {
		return
	}
	for _, h := range m.handlers[env.Event] {
		h(env)
	}
}

func (m *Manager) onDrop(gen uint64, conn transport.Conn) {
	if gen != m.gen || m.conn != conn {
		return
	}
	m.conn = nil
	err := conn.Err()
	if err == nil {
		err = transport.ErrClosed
	}
	m.log.Warn("connection_dropped", "error", err.Error())
	m.handleFailure(err)
}

// handleFailure goes Disconnected and either schedules the next attempt or,
// once the policy is spent, reports a TransportError to listeners.
func (m *Manager) handleFailure(cause error) {
	m.attempt++
	if m.attempt > m.opts.Policy.MaxAttempts {
		terr := &TransportError{Attempts: m.attempt - 1, Err: cause}
		m.log.Error("reconnect_exhausted", "attempts", terr.Attempts, "error", cause.Error())
		m.attempt = 0
		m.setState(models.StateDisconnected, StateChange{Err: terr})
		return
	}

	delay := m.opts.Policy.Delay(m.attempt)
	attempt := m.attempt
	gen := m.gen
	m.setState(models.StateDisconnected, StateChange{Retrying: true, Attempt: attempt})
	m.log.Info("reconnect_scheduled", "attempt", attempt, "delay", delay.String())
	m.retryTimer = m.exec.AfterFunc(delay, func() {
		m.retryTimer = nil
		if gen != m.gen || m.state != models.StateDisconnected {
			return
		}
		metrics.IncrementReconnectAttempts()
		m.dial()
	})
}

func (m *Manager) stopRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) setState(next models.ConnectionState, change StateChange) {
	prev := m.state
	if prev == next && change.Err == nil && !change.Retrying {
		return
	}
	m.state = next
	change.Old = prev
	change.New = next
	m.log.Info("connection_state_changed", "from", prev.String(), "to", next.String(), "attempt", change.Attempt)
	for _, fn := range m.listeners {
		fn(change)
	}
}
