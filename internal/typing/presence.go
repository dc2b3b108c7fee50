package typing

import (
	"sort"
	"time"

	"github.com/binhbb2204/chatsync/internal/eventloop"
	"github.com/binhbb2204/chatsync/pkg/models"
)

// ChangeFunc receives the room's typing users, sorted, after every change.
type ChangeFunc func(roomID int64, users []string)

// Presence tracks which remote users are typing in each room. A user whose
// stop signal is lost is removed after the expiry.
type Presence struct {
	sched    eventloop.Scheduler
	expiry   time.Duration
	rooms    map[int64]map[string]eventloop.Timer
	onChange ChangeFunc
}

func NewPresence(sched eventloop.Scheduler, expiry time.Duration, onChange ChangeFunc) *Presence {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if onChange == nil {
		onChange = func(int64, []string) {}
	}
	return &Presence{
		sched:    sched,
		expiry:   expiry,
		rooms:    make(map[int64]map[string]eventloop.Timer),
		onChange: onChange,
	}
}

func (p *Presence) Signal(sig models.TypingSignal) {
	if sig.UserHandle == "" {
		return
	}
	users := p.rooms[sig.RoomID]

	if !sig.IsTyping {
		if p.remove(sig.RoomID, sig.UserHandle) {
			p.onChange(sig.RoomID, p.Users(sig.RoomID))
		}
		return
	}

	if users == nil {
		users = make(map[string]eventloop.Timer)
		p.rooms[sig.RoomID] = users
	}
	prev, known := users[sig.UserHandle]
	if known {
		prev.Stop()
	}
	users[sig.UserHandle] = p.arm(sig.RoomID, sig.UserHandle)
	if !known {
		p.onChange(sig.RoomID, p.Users(sig.RoomID))
	}
}

func (p *Presence) Users(roomID int64) []string {
	users := p.rooms[roomID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// ClearRoom drops a room's state silently; the view is going away.
func (p *Presence) ClearRoom(roomID int64) {
	for _, t := range p.rooms[roomID] {
		t.Stop()
	}
	delete(p.rooms, roomID)
}

// Reset clears every room, notifying rooms that had someone typing.
func (p *Presence) Reset() {
	for id, users := range p.rooms {
		for _, t := range users {
			t.Stop()
		}
		delete(p.rooms, id)
		if len(users) > 0 {
			p.onChange(id, nil)
		}
	}
}

func (p *Presence) arm(roomID int64, user string) eventloop.Timer {
	var t eventloop.Timer
	t = p.sched.AfterFunc(p.expiry, func() {
		if cur, ok := p.rooms[roomID][user]; !ok || cur != t {
			return
		}
		p.remove(roomID, user)
		p.onChange(roomID, p.Users(roomID))
	})
	return t
}

func (p *Presence) remove(roomID int64, user string) bool {
	users := p.rooms[roomID]
	t, ok := users[user]
	if !ok {
		return false
	}
	t.Stop()
	delete(users, user)
	if len(users) == 0 {
		delete(p.rooms, roomID)
	}
	return true
}
