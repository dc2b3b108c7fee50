package timeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/binhbb2204/chatsync/pkg/models"
	"golang.org/x/sync/singleflight"
)

const DefaultHistoryLimit = 50

type HistorySource interface {
	History(ctx context.Context, roomID int64, limit int, before int64) ([]models.Message, error)
}

// Reconciler owns one Timeline per open room. Apply, OnLivePush, Timeline
// and Drop must be called from the event loop; LoadPage may run anywhere.
type Reconciler struct {
	source HistorySource
	limit  int
	group  singleflight.Group
	rooms  map[int64]Timeline

	mu      sync.Mutex
	flights map[string]*flight
	log    *logger.Logger
}

func NewReconciler(source HistorySource, limit int) *Reconciler {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Reconciler{
		source: source,
		limit:  limit,
		rooms:  make(map[int64]Timeline),

		flights: make(map[string]*flight),
		log:    logger.WithContext("component", "reconciler"),
	}
}

// LoadHistory fetches the newest page for a room.
func (r *Reconciler) LoadHistory(ctx context.Context, roomID int64) ([]models.Message, error) {
	return r.LoadPage(ctx, roomID, 0)
}

// flight is one shared history request. Its context is cancelled only
// once every caller waiting on it has given up.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// LoadPage fetches the page of messages older than before (0 for newest).
// Concurrent requests for the same page share one round trip. A caller
// that gives up does not fail the others, and a request abandoned by all
// of its callers is not joined by later ones.
func (r *Reconciler) LoadPage(ctx context.Context, roomID, before int64) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%d:%d", roomID, before)

	r.mu.Lock()
	fl, ok := r.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: fctx, cancel: cancel}
		r.flights[key] = fl
	}
	fl.waiters++
	ch := r.group.DoChan(key, func() (interface{}, error) {
		defer r.finish(key, fl)
		return r.source.History(fl.ctx, roomID, r.limit, before)
	})
	r.mu.Unlock()

	select {
	case res := <-ch:
		r.mu.Lock()
		fl.waiters--
		r.mu.Unlock()
		if res.Err != nil {
			return nil, res.Err
		}
		msgs, _ := res.Val.([]models.Message)
		r.log.Debug("history_page_loaded", "room_id", roomID, "before", before, "count", len(msgs), "shared", res.Shared)
		return msgs, nil
	case <-ctx.Done():
		r.abandon(key, fl)
		return nil, ctx.Err()
	}
}

func (r *Reconciler) finish(key string, fl *flight) {
	r.mu.Lock()
	if r.flights[key] == fl {
		delete(r.flights, key)
	}
	r.mu.Unlock()
	fl.cancel()
}

func (r *Reconciler) abandon(key string, fl *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if r.flights[key] == fl {
		delete(r.flights, key)
		r.group.Forget(key)
	}
}

// Apply merges a batch into the room's timeline and reports how many
// messages were new.
func (r *Reconciler) Apply(roomID int64, msgs []models.Message) (Timeline, int) {
	before := r.rooms[roomID]
	after := Merge(before, msgs)
	r.rooms[roomID] = after
	return after, after.Len() - before.Len()
}

// OnLivePush merges a single pushed message. The bool is false when the
// message was already present.
func (r *Reconciler) OnLivePush(roomID int64, msg models.Message) (Timeline, bool) {
	tl, added := r.Apply(roomID, []models.Message{msg})
	if added == 0 {
		r.log.Debug("duplicate_push_ignored", "room_id", roomID, "message_id", msg.ID)
	}
	return tl, added > 0
}

func (r *Reconciler) Timeline(roomID int64) Timeline {
	return r.rooms[roomID]
}

func (r *Reconciler) Drop(roomID int64) {
	delete(r.rooms, roomID)
}
