package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutor(queue string) *HandlerExecutor {
	return &HandlerExecutor{PersistenceID: uuid.New(), QueueName: queue}
}

func TestQueueManagerFIFOWithinQueue(t *testing.T) {
	qm := NewQueueManager([]QueueConfig{
		{Name: DefaultQueueName, Capacity: 16, Parallelism: 1},
	}, nil, nil)

	var mu sync.Mutex
	var order []uuid.UUID
	done := make(chan struct{}, 8)
	qm.SetExecutor(func(ctx context.Context, e *HandlerExecutor) {
		mu.Lock()
		order = append(order, e.PersistenceID)
		mu.Unlock()
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var want []uuid.UUID
	for i := 0; i < 8; i++ {
		e := testExecutor(DefaultQueueName)
		want = append(want, e.PersistenceID)
		require.NoError(t, qm.Enqueue(ctx, e))
	}
	qm.Start(ctx)

	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("consumer stalled")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestQueueManagerDropPolicy(t *testing.T) {
	qm := NewQueueManager([]QueueConfig{
		{Name: "tiny", Capacity: 2, Parallelism: 1, WhenFull: FullDrop},
	}, nil, nil)
	qm.SetExecutor(func(ctx context.Context, e *HandlerExecutor) {})

	ctx := context.Background()
	require.NoError(t, qm.Enqueue(ctx, testExecutor("tiny")))
	require.NoError(t, qm.Enqueue(ctx, testExecutor("tiny")))

	err := qm.Enqueue(ctx, testExecutor("tiny"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueManagerFallbackToDefault(t *testing.T) {
	qm := NewQueueManager([]QueueConfig{
		{Name: DefaultQueueName, Capacity: 4, Parallelism: 1},
		{Name: "spill", Capacity: 1, Parallelism: 1, WhenFull: FullFallbackToDefault},
	}, nil, nil)
	qm.SetExecutor(func(ctx context.Context, e *HandlerExecutor) {})

	ctx := context.Background()
	require.NoError(t, qm.Enqueue(ctx, testExecutor("spill")))
	// the spill queue is full; this one lands on default
	require.NoError(t, qm.Enqueue(ctx, testExecutor("spill")))

	spill, _ := qm.Queue("spill")
	assert.Equal(t, 1, spill.Capacity)
	drained := qm.Drain()
	assert.Len(t, drained, 2)
}

func TestQueueManagerWaitPolicyHonoursContext(t *testing.T) {
	qm := NewQueueManager([]QueueConfig{
		{Name: "blocking", Capacity: 1, Parallelism: 1, WhenFull: FullWait},
	}, nil, nil)
	qm.SetExecutor(func(ctx context.Context, e *HandlerExecutor) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, qm.Enqueue(ctx, testExecutor("blocking")))
	err := qm.Enqueue(ctx, testExecutor("blocking"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueManagerUnknownQueueRoutesToDefault(t *testing.T) {
	qm := NewQueueManager(nil, nil, nil)
	qm.SetExecutor(func(ctx context.Context, e *HandlerExecutor) {})

	require.NoError(t, qm.Enqueue(context.Background(), testExecutor("missing")))
	assert.Len(t, qm.Drain(), 1)
}

func TestQueueManagerParallelismBound(t *testing.T) {
	const parallelism = 2
	qm := NewQueueManager([]QueueConfig{
		{Name: DefaultQueueName, Capacity: 32, Parallelism: parallelism},
	}, nil, nil)

	var active, peak int32
	var wg sync.WaitGroup
	qm.SetExecutor(func(ctx context.Context, e *HandlerExecutor) {
		defer wg.Done()
		current := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, qm.Enqueue(ctx, testExecutor(DefaultQueueName)))
	}
	qm.Start(ctx)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(parallelism))
}

func TestQueueManagerConsumerSurvivesPanic(t *testing.T) {
	qm := NewQueueManager([]QueueConfig{
		{Name: DefaultQueueName, Capacity: 8, Parallelism: 1},
	}, nil, nil)

	done := make(chan uuid.UUID, 2)
	qm.SetExecutor(func(ctx context.Context, e *HandlerExecutor) {
		if len(done) == 0 {
			done <- e.PersistenceID
			panic("broken handler")
		}
		done <- e.PersistenceID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := testExecutor(DefaultQueueName)
	second := testExecutor(DefaultQueueName)
	require.NoError(t, qm.Enqueue(ctx, first))
	require.NoError(t, qm.Enqueue(ctx, second))
	qm.Start(ctx)

	var got []uuid.UUID
	for i := 0; i < 2; i++ {
		select {
		case id := <-done:
			got = append(got, id)
		case <-time.After(time.Second):
			t.Fatal("consumer did not survive the panic")
		}
	}
	assert.Equal(t, []uuid.UUID{first.PersistenceID, second.PersistenceID}, got)
}
