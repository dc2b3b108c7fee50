// Package rooms records which rooms the session wants to be joined to,
// independent of whether the live connection is currently up.
package rooms

import (
	"sort"

	"github.com/binhbb2204/chatsync/internal/protocol"
	"github.com/binhbb2204/chatsync/pkg/logger"
)

// Signaler is the slice of the connection manager the registry needs.
type Signaler interface {
	Connected() bool
	Emit(event protocol.EventName, payload interface{}) bool
}

// Registry is not safe for concurrent use; it lives on the event loop.
type Registry struct {
	sig   Signaler
	rooms map[int64]struct{}
	log   *logger.Logger
}

func NewRegistry(sig Signaler) *Registry {
	return &Registry{
		sig:   sig,
		rooms: make(map[int64]struct{}),
		log:   logger.WithContext("component", "room_registry"),
	}
}

// Join records the room and signals the server if connected. Joining a room
// already in the set does nothing. A join made while offline is sent by
// Replay once the connection comes back.
func (r *Registry) Join(roomID int64) bool {
	if _, ok := r.rooms[roomID]; ok {
		return false
	}
	r.rooms[roomID] = struct{}{}
	if r.sig.Connected() {
		r.sig.Emit(protocol.EventJoinRoom, roomID)
		r.log.Debug("room_joined", "room_id", roomID)
	} else {
		r.log.Debug("room_join_deferred", "room_id", roomID)
	}
	return true
}

func (r *Registry) Leave(roomID int64) bool {
	if _, ok := r.rooms[roomID]; !ok {
		return false
	}
	delete(r.rooms, roomID)
	if r.sig.Connected() {
		r.sig.Emit(protocol.EventLeaveRoom, roomID)
		r.log.Debug("room_left", "room_id", roomID)
	}
	return true
}

func (r *Registry) Contains(roomID int64) bool {
	_, ok := r.rooms[roomID]
	return ok
}

func (r *Registry) Len() int {
	return len(r.rooms)
}

// Rooms returns the joined room ids in ascending order.
func (r *Registry) Rooms() []int64 {
	ids := make([]int64, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Replay emits one join per recorded room. The server keeps no memory of
// joins across a reconnect, so this runs after every successful connect.
func (r *Registry) Replay() int {
	n := 0
	for _, id := range r.Rooms() {
		if r.sig.Emit(protocol.EventJoinRoom, id) {
			n++
		}
	}
	if n > 0 {
		r.log.Info("room_joins_replayed", "count", n)
	}
	return n
}

func (r *Registry) Clear() {
	r.rooms = make(map[int64]struct{})
}
