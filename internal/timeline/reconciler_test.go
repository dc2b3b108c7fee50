package timeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/binhbb2204/chatsync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls   int32
	release chan struct{}
	msgs    []models.Message
	err     error
	limit   int
	before  int64
}

func (f *fakeSource) History(ctx context.Context, roomID int64, limit int, before int64) ([]models.Message, error) {
	atomic.AddInt32(&f.calls, 1)
	f.limit = limit
	f.before = before
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.msgs, f.err
}

func TestReconcilerScenarioGeneral(t *testing.T) {
	src := &fakeSource{msgs: []models.Message{msg(1, 0), msg(2, time.Second)}}
	r := NewReconciler(src, 0)

	_, added := r.OnLivePush(1, msg(2, time.Second))
	assert.True(t, added)

	page, err := r.LoadHistory(context.Background(), 1)
	require.NoError(t, err)
	tl, n := r.Apply(1, page)

	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1, 2}, tl.IDs())
	assert.Equal(t, DefaultHistoryLimit, src.limit)
}

func TestReconcilerDuplicatePush(t *testing.T) {
	r := NewReconciler(&fakeSource{}, 10)
	_, first := r.OnLivePush(3, msg(7, 0))
	_, second := r.OnLivePush(3, msg(7, 0))
	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, r.Timeline(3).Len())
}

func TestReconcilerRoomsAreIndependent(t *testing.T) {
	r := NewReconciler(&fakeSource{}, 10)
	r.OnLivePush(1, msg(1, 0))
	r.OnLivePush(2, msg(1, 0))
	r.Drop(1)
	assert.Zero(t, r.Timeline(1).Len())
	assert.Equal(t, 1, r.Timeline(2).Len())
}

func TestLoadPageCollapsesConcurrentFetches(t *testing.T) {
	src := &fakeSource{release: make(chan struct{}), msgs: []models.Message{msg(1, 0)}}
	r := NewReconciler(src, 10)

	var wg sync.WaitGroup
	results := make([][]models.Message, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.LoadHistory(context.Background(), 1)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
	for _, res := range results {
		assert.Len(t, res, 1)
	}
}

func TestLoadPageCancelledByCaller(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	r := NewReconciler(src, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.LoadPage(ctx, 1, 40)
	assert.ErrorIs(t, err, context.Canceled)
	close(src.release)
}

func TestLoadPageError(t *testing.T) {
	boom := errors.New("boom")
	r := NewReconciler(&fakeSource{err: boom}, 10)
	_, err := r.LoadHistory(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
}

// slowCancelSource keeps returning the cancellation error for a while
// after its context ends, like an HTTP request still unwinding.
type slowCancelSource struct {
	calls   int32
	started chan struct{}
	msgs    []models.Message
}

func (s *slowCancelSource) History(ctx context.Context, roomID int64, limit int, before int64) ([]models.Message, error) {
	if atomic.AddInt32(&s.calls, 1) > 1 {
		return s.msgs, nil
	}
	close(s.started)
	<-ctx.Done()
	time.Sleep(30 * time.Millisecond)
	return nil, ctx.Err()
}

func TestLoadPageAfterAbandonedFetchStartsFresh(t *testing.T) {
	src := &slowCancelSource{started: make(chan struct{}), msgs: []models.Message{msg(1, 0)}}
	r := NewReconciler(src, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.LoadHistory(ctx, 7)
		done <- err
	}()
	<-src.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	msgs, err := r.LoadHistory(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestLoadPageOneCallerLeavingKeepsSharedFetch(t *testing.T) {
	src := &fakeSource{release: make(chan struct{}), msgs: []models.Message{msg(1, 0)}}
	r := NewReconciler(src, 10)

	leaving, cancel := context.WithCancel(context.Background())
	left := make(chan error, 1)
	stayed := make(chan []models.Message, 1)
	go func() {
		_, err := r.LoadHistory(leaving, 1)
		left <- err
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		msgs, _ := r.LoadHistory(context.Background(), 1)
		stayed <- msgs
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-left, context.Canceled)
	close(src.release)
	assert.Len(t, <-stayed, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}
