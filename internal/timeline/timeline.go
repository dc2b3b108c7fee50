// Package timeline keeps each room's message list consistent while history
// pages and live pushes arrive in any order.
package timeline

import (
	"sort"

	"github.com/binhbb2204/chatsync/pkg/models"
)

// Timeline is an immutable, id-unique message list ordered by
// (CreatedAt, ID). The zero value is an empty timeline.
type Timeline struct {
	msgs []models.Message
}

func New(msgs ...models.Message) Timeline {
	return Merge(Timeline{}, msgs)
}

func (t Timeline) Len() int {
	return len(t.msgs)
}

func (t Timeline) Messages() []models.Message {
	out := make([]models.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t Timeline) IDs() []int64 {
	ids := make([]int64, len(t.msgs))
	for i, m := range t.msgs {
		ids[i] = m.ID
	}
	return ids
}

func (t Timeline) Contains(id int64) bool {
	_, ok := t.Get(id)
	return ok
}

func (t Timeline) Get(id int64) (models.Message, bool) {
	for _, m := range t.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

// Oldest returns the first message, used as the cursor for older pages.
func (t Timeline) Oldest() (models.Message, bool) {
	if len(t.msgs) == 0 {
		return models.Message{}, false
	}
	return t.msgs[0], true
}

func (t Timeline) Newest() (models.Message, bool) {
	if len(t.msgs) == 0 {
		return models.Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

// Merge returns existing plus every incoming message whose id it does not
// already hold. An id collision keeps the existing entry untouched, so
// re-delivering a batch never changes the result.
func Merge(existing Timeline, incoming []models.Message) Timeline {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[int64]struct{}, len(existing.msgs)+len(incoming))
	for _, m := range existing.msgs {
		seen[m.ID] = struct{}{}
	}

	var added []models.Message
	for _, m := range incoming {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		added = append(added, m)
	}
	if len(added) == 0 {
		return existing
	}

	out := make([]models.Message, 0, len(existing.msgs)+len(added))
	out = append(out, existing.msgs...)
	if len(added) == 1 {
		out = insertSorted(out, added[0])
	} else {
		out = append(out, added...)
		sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	}
	return Timeline{msgs: out}
}

func insertSorted(msgs []models.Message, m models.Message) []models.Message {
	i := sort.Search(len(msgs), func(i int) bool { return m.Less(msgs[i]) })
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}
