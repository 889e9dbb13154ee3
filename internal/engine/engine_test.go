package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/tasklane/internal/recurring"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/pkg/ids"
)

func newTestEngine(t *testing.T, store storage.TaskStorage) *Engine {
	t.Helper()
	eng := New(Options{
		Storage: func(ctx context.Context) (storage.TaskStorage, error) { return store, nil },
		Queues: []QueueConfig{
			{Name: DefaultQueueName, Capacity: 64, Parallelism: 2},
			{Name: RecurringQueueName, Capacity: 64, Parallelism: 2},
		},
		DefaultAuditLevel:        storage.AuditFull,
		RecoveryEnabled:          true,
		UseLazyHandlerResolution: true,
		ThrowIfUnableToPersist:   true,
	}, nil)
	return eng
}

func startEngine(t *testing.T, eng *Engine) {
	t.Helper()
	require.NoError(t, eng.Start(context.Background()))
}

// callOrder records lifecycle callback ordering.
type callOrder struct {
	mu    sync.Mutex
	steps []string
}

func (c *callOrder) add(step string) {
	c.mu.Lock()
	c.steps = append(c.steps, step)
	c.mu.Unlock()
}

func (c *callOrder) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.steps))
	copy(out, c.steps)
	return out
}

type immediateRequest struct {
	Name string `json:"name"`
}

type immediateHandler struct {
	order *callOrder
	done  chan struct{}
}

func (h *immediateHandler) Handle(ctx context.Context, request any) error {
	h.order.add("handled")
	h.done <- struct{}{}
	return nil
}

func TestImmediateDispatchRunsOnce(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)

	order := &callOrder{}
	done := make(chan struct{}, 1)
	require.NoError(t, eng.RegisterHandler(immediateRequest{}, func() TaskHandler {
		return &immediateHandler{order: order, done: done}
	}))
	startEngine(t, eng)

	completed := make(chan struct{}, 1)
	id, err := eng.Dispatch(context.Background(), immediateRequest{Name: "A"},
		WithCallbacks(Callbacks{
			Started:   func(uuid.UUID) { order.add("started") },
			Completed: func(uuid.UUID) { order.add("completed"); completed <- struct{}{} },
		}))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not run within one second")
	}
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("completion callback missing")
	}

	assert.Equal(t, []string{"started", "handled", "completed"}, order.snapshot())

	row, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, row.Status)

	runs, err := store.GetRunsAudits(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

type flakyRequest struct {
	Payload string `json:"payload"`
}

type flakyHandler struct {
	failures *atomic.Int32
	failN    int32
	done     chan struct{}
}

func (h *flakyHandler) Handle(ctx context.Context, request any) error {
	if h.failures.Add(1) <= h.failN {
		return errors.New("transient failure")
	}
	h.done <- struct{}{}
	return nil
}

func (h *flakyHandler) RetryPolicy() RetryPolicy {
	return NewLinearRetryPolicy(3, 50*time.Millisecond)
}

func TestRetriesThenSucceeds(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)

	failures := &atomic.Int32{}
	done := make(chan struct{}, 1)
	require.NoError(t, eng.RegisterHandler(flakyRequest{}, func() TaskHandler {
		return &flakyHandler{failures: failures, failN: 2, done: done}
	}))
	startEngine(t, eng)

	var mu sync.Mutex
	var retries []int
	errCalled := &atomic.Bool{}
	id, err := eng.Dispatch(context.Background(), flakyRequest{Payload: "x"},
		WithCallbacks(Callbacks{
			Retry: func(_ uuid.UUID, attempt int, _ error, _ time.Duration) {
				mu.Lock()
				retries = append(retries, attempt)
				mu.Unlock()
			},
			Error: func(uuid.UUID, error, string) { errCalled.Store(true) },
		}))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded")
	}

	require.Eventually(t, func() bool {
		row, err := store.GetByID(context.Background(), id)
		return err == nil && row.Status == storage.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2}, retries)
	mu.Unlock()
	assert.False(t, errCalled.Load())
}

type tickRequest struct {
	Tag string `json:"tag"`
}

type tickHandler struct {
	count *atomic.Int32
}

func (h *tickHandler) Handle(ctx context.Context, request any) error {
	h.count.Add(1)
	return nil
}

func TestRecurringRespectsMaxRuns(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)

	count := &atomic.Int32{}
	require.NoError(t, eng.RegisterHandler(tickRequest{}, func() TaskHandler {
		return &tickHandler{count: count}
	}))
	startEngine(t, eng)

	three := 3
	id, err := eng.Dispatch(context.Background(), tickRequest{Tag: "tick"},
		WithRecurring(&recurring.Recurring{
			Second:  &recurring.SecondInterval{N: 1},
			MaxRuns: &three,
		}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return count.Load() == 3
	}, 6*time.Second, 50*time.Millisecond)

	// no fourth run follows
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(3), count.Load())

	row, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, row.Status)
	assert.Nil(t, row.NextRunAt)
	assert.Equal(t, 3, row.CurrentRunCount)
}

type keyedRequest struct {
	Variant string `json:"variant"`
}

type keyedHandler struct {
	done chan string
}

func (h *keyedHandler) Handle(ctx context.Context, request any) error {
	req := request.(keyedRequest)
	h.done <- req.Variant
	return nil
}

func TestTaskKeyUpdateWhilePending(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)

	done := make(chan string, 2)
	require.NoError(t, eng.RegisterHandler(keyedRequest{}, func() TaskHandler {
		return &keyedHandler{done: done}
	}))
	startEngine(t, eng)

	ctx := context.Background()
	first, err := eng.Dispatch(ctx, keyedRequest{Variant: "slow"},
		WithDelay(10*time.Second), WithTaskKey("k"))
	require.NoError(t, err)

	second, err := eng.Dispatch(ctx, keyedRequest{Variant: "fast"},
		WithDelay(300*time.Millisecond), WithTaskKey("k"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].NextRunAt)

	// the effective schedule is the updated one
	select {
	case variant := <-done:
		assert.Equal(t, "fast", variant)
	case <-time.After(3 * time.Second):
		t.Fatal("updated schedule never fired")
	}
}

func TestTaskKeyInProgressReturnsExistingID(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, eng.RegisterHandler(blockingRequest{}, func() TaskHandler {
		return &blockingHandler{started: started, release: release}
	}))
	startEngine(t, eng)

	ctx := context.Background()
	first, err := eng.Dispatch(ctx, blockingRequest{}, WithTaskKey("busy"))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	second, err := eng.Dispatch(ctx, blockingRequest{}, WithTaskKey("busy"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	close(release)
}

type blockingRequest struct{}

type blockingHandler struct {
	started   chan struct{}
	release   chan struct{}
	ctxClosed chan time.Time
}

func (h *blockingHandler) Handle(ctx context.Context, request any) error {
	if h.started != nil {
		h.started <- struct{}{}
	}
	select {
	case <-ctx.Done():
		if h.ctxClosed != nil {
			h.ctxClosed <- time.Now()
		}
		return ctx.Err()
	case <-h.release:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("never released")
	}
}

func TestCancelInFlight(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)

	started := make(chan struct{}, 1)
	ctxClosed := make(chan time.Time, 1)
	require.NoError(t, eng.RegisterHandler(blockingRequest{}, func() TaskHandler {
		return &blockingHandler{started: started, release: make(chan struct{}), ctxClosed: ctxClosed}
	}))
	startEngine(t, eng)

	completed := &atomic.Bool{}
	ctx := context.Background()
	id, err := eng.Dispatch(ctx, blockingRequest{},
		WithCallbacks(Callbacks{Completed: func(uuid.UUID) { completed.Store(true) }}))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}
	time.Sleep(200 * time.Millisecond)

	cancelledAt := time.Now()
	require.NoError(t, eng.Cancel(ctx, id))

	select {
	case observed := <-ctxClosed:
		assert.Less(t, observed.Sub(cancelledAt), 500*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("handler token never cancelled")
	}

	require.Eventually(t, func() bool {
		row, err := store.GetByID(ctx, id)
		return err == nil && row.Status == storage.StatusCancelled
	}, 2*time.Second, 20*time.Millisecond)
	assert.False(t, completed.Load())
}

func TestRecoveryReplaysUnfinishedWork(t *testing.T) {
	gen := ids.NewV7Generator()
	store := storage.NewMemoryStorage(gen)
	ctx := context.Background()

	payload, err := json.Marshal(pingRequest{Name: "recovered"})
	require.NoError(t, err)
	requestType := TypeName(pingRequest{})

	seed := func(status storage.TaskStatus, nextRun *time.Time) uuid.UUID {
		task := &storage.QueuedTask{
			ID:          gen.NewID(),
			Status:      status,
			CreatedAt:   time.Now().UTC(),
			NextRunAt:   nextRun,
			RequestType: requestType,
			Request:     string(payload),
			QueueName:   DefaultQueueName,
			AuditLevel:  storage.AuditFull,
		}
		require.NoError(t, store.Persist(ctx, task))
		return task.ID
	}

	future := time.Now().UTC().Add(10 * time.Second)
	dueID := seed(storage.StatusQueued, nil)
	pendingID := seed(storage.StatusPending, &future)
	inProgressID := seed(storage.StatusInProgress, nil)

	eng := newTestEngine(t, store)
	executions := make(chan struct{}, 4)
	require.NoError(t, eng.RegisterHandler(pingRequest{}, func() TaskHandler {
		return &countingHandler{executions: executions}
	}))
	startEngine(t, eng)

	// the due and interrupted tasks replay immediately
	for i := 0; i < 2; i++ {
		select {
		case <-executions:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d recovered tasks executed", i)
		}
	}

	require.Eventually(t, func() bool {
		due, err1 := store.GetByID(ctx, dueID)
		interrupted, err2 := store.GetByID(ctx, inProgressID)
		return err1 == nil && err2 == nil &&
			due.Status == storage.StatusCompleted &&
			interrupted.Status == storage.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	// the future one re-entered the scheduler, untouched
	pending, err := store.GetByID(ctx, pendingID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, pending.Status)
	select {
	case <-executions:
		t.Fatal("future task executed early")
	case <-time.After(300 * time.Millisecond):
	}
}

type countingHandler struct {
	executions chan struct{}
}

func (h *countingHandler) Handle(ctx context.Context, request any) error {
	h.executions <- struct{}{}
	return nil
}

func TestStopMarksInFlightServiceStopped(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)

	started := make(chan struct{}, 1)
	require.NoError(t, eng.RegisterHandler(blockingRequest{}, func() TaskHandler {
		return &blockingHandler{started: started, release: make(chan struct{})}
	}))
	startEngine(t, eng)

	ctx := context.Background()
	id, err := eng.Dispatch(ctx, blockingRequest{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, eng.Stop(ctx))

	row, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusServiceStopped, row.Status)
}

func TestDispatchNilTask(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)
	startEngine(t, eng)

	_, err := eng.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNullTask)
}

func TestDispatchUnregisteredRequest(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)
	startEngine(t, eng)

	_, err := eng.Dispatch(context.Background(), struct{ X int }{1})
	assert.ErrorIs(t, err, ErrUnknownRequestType)
}

func TestDispatchInvalidRecurring(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)
	require.NoError(t, eng.RegisterHandler(tickRequest{}, func() TaskHandler {
		return &tickHandler{count: &atomic.Int32{}}
	}))
	startEngine(t, eng)

	zero := 0
	_, err := eng.Dispatch(context.Background(), tickRequest{},
		WithRecurring(&recurring.Recurring{
			Second:  &recurring.SecondInterval{N: 1},
			MaxRuns: &zero,
		}))
	assert.ErrorIs(t, err, ErrInvalidRecurring)
}

func TestShouldBeLazyThresholds(t *testing.T) {
	d := &Dispatcher{useLazyResolution: true}
	now := time.Now().UTC()

	slowRecurring := &HandlerExecutor{Recurring: &recurring.Recurring{Minute: &recurring.MinuteInterval{N: 10}}}
	assert.True(t, d.shouldBeLazy(slowRecurring, now))

	fastRecurring := &HandlerExecutor{Recurring: &recurring.Recurring{Second: &recurring.SecondInterval{N: 5}}}
	assert.False(t, d.shouldBeLazy(fastRecurring, now))

	farOut := now.Add(40 * time.Minute)
	assert.True(t, d.shouldBeLazy(&HandlerExecutor{ExecutionTime: &farOut}, now))

	nearby := now.Add(5 * time.Minute)
	assert.False(t, d.shouldBeLazy(&HandlerExecutor{ExecutionTime: &nearby}, now))

	assert.False(t, d.shouldBeLazy(&HandlerExecutor{}, now))
}

func TestHandlerTimeoutFailsAttempt(t *testing.T) {
	store := storage.NewMemoryStorage(ids.NewV7Generator())
	eng := newTestEngine(t, store)

	require.NoError(t, eng.RegisterHandler(sleepyRequest{}, func() TaskHandler {
		return &sleepyHandler{}
	}))
	startEngine(t, eng)

	ctx := context.Background()
	errDetail := make(chan string, 1)
	id, err := eng.Dispatch(ctx, sleepyRequest{},
		WithCallbacks(Callbacks{Error: func(_ uuid.UUID, _ error, detail string) {
			errDetail <- detail
		}}))
	require.NoError(t, err)

	select {
	case detail := <-errDetail:
		assert.Contains(t, detail, "timed out")
	case <-time.After(3 * time.Second):
		t.Fatal("timeout never surfaced")
	}

	require.Eventually(t, func() bool {
		row, err := store.GetByID(ctx, id)
		return err == nil && row.Status == storage.StatusFailed
	}, 2*time.Second, 20*time.Millisecond)
}

type sleepyRequest struct{}

type sleepyHandler struct{}

func (h *sleepyHandler) Handle(ctx context.Context, request any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return nil
	}
}

func (h *sleepyHandler) Timeout() time.Duration { return 100 * time.Millisecond }

func (h *sleepyHandler) RetryPolicy() RetryPolicy { return NoRetryPolicy{} }
