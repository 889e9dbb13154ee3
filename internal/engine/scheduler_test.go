package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchRecorder struct {
	mu    sync.Mutex
	order []uuid.UUID
	ch    chan uuid.UUID
}

func newDispatchRecorder() *dispatchRecorder {
	return &dispatchRecorder{ch: make(chan uuid.UUID, 32)}
}

func (r *dispatchRecorder) dispatch(ctx context.Context, e *HandlerExecutor) error {
	r.mu.Lock()
	r.order = append(r.order, e.PersistenceID)
	r.mu.Unlock()
	r.ch <- e.PersistenceID
	return nil
}

func (r *dispatchRecorder) waitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("only %d of %d dispatches arrived", i, n)
		}
	}
}

func at(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(d)
	return &t
}

func TestTimerSchedulerFiresInOrder(t *testing.T) {
	rec := newDispatchRecorder()
	s := NewTimerScheduler(rec.dispatch, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	late := testExecutor(DefaultQueueName)
	early := testExecutor(DefaultQueueName)
	s.Schedule(late, at(300*time.Millisecond))
	s.Schedule(early, at(100*time.Millisecond))

	rec.waitFor(t, 2, 2*time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []uuid.UUID{early.PersistenceID, late.PersistenceID}, rec.order)
}

func TestTimerSchedulerFiresPastInstantImmediately(t *testing.T) {
	rec := newDispatchRecorder()
	s := NewTimerScheduler(rec.dispatch, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Schedule(testExecutor(DefaultQueueName), at(-time.Minute))

	start := time.Now()
	rec.waitFor(t, 1, time.Second)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestTimerSchedulerWakesForNewMinimum(t *testing.T) {
	rec := newDispatchRecorder()
	s := NewTimerScheduler(rec.dispatch, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// a far-future item parks the loop; a near item must preempt it
	s.Schedule(testExecutor(DefaultQueueName), at(time.Hour))
	time.Sleep(50 * time.Millisecond)
	s.Schedule(testExecutor(DefaultQueueName), at(100*time.Millisecond))

	rec.waitFor(t, 1, time.Second)
	assert.Equal(t, 1, s.Len())
}

func TestTimerSchedulerReportsDispatchErrors(t *testing.T) {
	var mu sync.Mutex
	var failed []uuid.UUID
	errCh := make(chan struct{}, 1)

	s := NewTimerScheduler(
		func(ctx context.Context, e *HandlerExecutor) error { return ErrQueueFull },
		func(e *HandlerExecutor, err error) {
			mu.Lock()
			failed = append(failed, e.PersistenceID)
			mu.Unlock()
			errCh <- struct{}{}
		},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	e := testExecutor(DefaultQueueName)
	s.Schedule(e, at(50*time.Millisecond))

	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("dispatch error never surfaced")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.Equal(t, e.PersistenceID, failed[0])
}

func TestShardedSchedulerRoutesDeterministically(t *testing.T) {
	rec := newDispatchRecorder()
	s := NewShardedScheduler(4, rec.dispatch, nil, nil)

	e := testExecutor(DefaultQueueName)
	first := s.shardFor(e)
	for i := 0; i < 10; i++ {
		assert.Same(t, first, s.shardFor(e))
	}
}

func TestShardedSchedulerFiresAcrossShards(t *testing.T) {
	rec := newDispatchRecorder()
	s := NewShardedScheduler(4, rec.dispatch, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for i := 0; i < 12; i++ {
		s.Schedule(testExecutor(DefaultQueueName), at(50*time.Millisecond))
	}

	rec.waitFor(t, 12, 2*time.Second)
	assert.Equal(t, 0, s.Len())
}

func TestDefaultShardCountIsAtLeastFour(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultShardCount(), 4)
}
