// Package typing handles typing indicators in both directions: throttling
// the local user's keystrokes into start/stop signals, and expiring remote
// users' signals when their stop never arrives.
package typing

import (
	"time"

	"github.com/binhbb2204/chatsync/internal/eventloop"
	"github.com/binhbb2204/chatsync/internal/protocol"
)

const (
	DefaultWindow = 2 * time.Second
	DefaultExpiry = 3 * time.Second
)

type Emitter interface {
	Emit(event protocol.EventName, payload interface{}) bool
}

// Debouncer turns a burst of keystrokes into one typing_start followed by
// one typing_stop once the room has been quiet for the window. It must be
// used from the goroutine that runs the scheduler's callbacks.
type Debouncer struct {
	sched  eventloop.Scheduler
	emit   Emitter
	window time.Duration
	active map[int64]eventloop.Timer
}

func NewDebouncer(sched eventloop.Scheduler, emit Emitter, window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{
		sched:  sched,
		emit:   emit,
		window: window,
		active: make(map[int64]eventloop.Timer),
	}
}

func (d *Debouncer) Keystroke(roomID int64) {
	if t, ok := d.active[roomID]; ok {
		t.Stop()
	} else {
		d.emit.Emit(protocol.EventTypingStart, roomID)
	}
	d.active[roomID] = d.arm(roomID)
}

// MessageSent ends the typing state at once. typing_stop is emitted even
// when no countdown was running.
func (d *Debouncer) MessageSent(roomID int64) {
	d.stopTimer(roomID)
	d.emit.Emit(protocol.EventTypingStop, roomID)
}

// Cancel ends the typing state for a room the user is leaving. Nothing is
// emitted unless the user was typing.
func (d *Debouncer) Cancel(roomID int64) {
	if d.stopTimer(roomID) {
		d.emit.Emit(protocol.EventTypingStop, roomID)
	}
}

// Reset forgets every countdown without emitting, for when the connection
// is gone and the server has already dropped the state.
func (d *Debouncer) Reset() {
	for id, t := range d.active {
		t.Stop()
		delete(d.active, id)
	}
}

func (d *Debouncer) Active(roomID int64) bool {
	_, ok := d.active[roomID]
	return ok
}

func (d *Debouncer) arm(roomID int64) eventloop.Timer {
	var t eventloop.Timer
	t = d.sched.AfterFunc(d.window, func() {
		if cur, ok := d.active[roomID]; !ok || cur != t {
			return
		}
		delete(d.active, roomID)
		d.emit.Emit(protocol.EventTypingStop, roomID)
	})
	return t
}

func (d *Debouncer) stopTimer(roomID int64) bool {
	t, ok := d.active[roomID]
	if !ok {
		return false
	}
	t.Stop()
	delete(d.active, roomID)
	return true
}
