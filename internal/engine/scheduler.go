package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/tasklane/tasklane/internal/platform/logger"
)

// maxSchedulerSleep bounds how long the scheduler loop sleeps without
// re-evaluating, limiting exposure to clock skew on long horizons.
const maxSchedulerSleep = 90 * time.Minute

// Scheduler holds future executors until due, then hands them to the
// queue manager.
type Scheduler interface {
	// Schedule inserts the executor keyed by its due instant; a non-nil
	// override wins over the executor's own execution time.
	Schedule(e *HandlerExecutor, override *time.Time)

	// Start launches the background loop.
	Start(ctx context.Context)

	// Len reports the number of held executors.
	Len() int

	// Wait blocks until the background loop has exited.
	Wait()
}

// schedItem is one heap element.
type schedItem struct {
	at   time.Time
	exec *HandlerExecutor
}

// schedHeap is a min-heap keyed by absolute execution instant.
type schedHeap []*schedItem

func (h schedHeap) Len() int            { return len(h) }
func (h schedHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h schedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *schedHeap) Push(x interface{}) { *h = append(*h, x.(*schedItem)) }
func (h *schedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TimerScheduler is the single-timer variant: one min-heap, one wake
// signal, one background loop.
type TimerScheduler struct {
	mu       sync.Mutex
	items    schedHeap
	wake     chan struct{}
	dispatch func(ctx context.Context, e *HandlerExecutor) error
	onError  func(e *HandlerExecutor, err error)
	log      logger.Logger
	wg       sync.WaitGroup
}

// NewTimerScheduler creates the single-timer scheduler. dispatch hands
// a due executor to the queue manager; onError observes dispatch
// failures (the engine marks the task Failed there).
func NewTimerScheduler(
	dispatch func(ctx context.Context, e *HandlerExecutor) error,
	onError func(e *HandlerExecutor, err error),
	log logger.Logger,
) *TimerScheduler {
	if log == nil {
		log = logger.NewNop()
	}
	return &TimerScheduler{
		wake:     make(chan struct{}, 1),
		dispatch: dispatch,
		onError:  onError,
		log:      log.Named("scheduler"),
	}
}

// Schedule inserts the executor and wakes the loop if it became the new
// minimum.
func (s *TimerScheduler) Schedule(e *HandlerExecutor, override *time.Time) {
	at := time.Now().UTC()
	if override != nil {
		at = override.UTC()
	} else if due := e.DueAt(); due != nil {
		at = due.UTC()
	}

	s.mu.Lock()
	wasMin := s.items.Len() == 0 || at.Before(s.items[0].at)
	heap.Push(&s.items, &schedItem{at: at, exec: e})
	s.mu.Unlock()

	if wasMin {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of held executors.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Start launches the background loop.
func (s *TimerScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Wait blocks until the loop has exited.
func (s *TimerScheduler) Wait() {
	s.wg.Wait()
}

// loop sleeps until the smallest key or a wake signal, then fires
// everything due. Negative delays fire immediately; sleeps are capped
// so a skewed clock is re-evaluated within a bounded window.
func (s *TimerScheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(maxSchedulerSleep)
	defer timer.Stop()

	for {
		s.fireDue(ctx)

		sleep := maxSchedulerSleep
		s.mu.Lock()
		if s.items.Len() > 0 {
			if d := time.Until(s.items[0].at); d < sleep {
				sleep = d
			}
		}
		s.mu.Unlock()
		if sleep < 0 {
			sleep = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// fireDue pops every element whose key is at or before now and hands it
// to the queue manager.
func (s *TimerScheduler) fireDue(ctx context.Context) {
	now := time.Now().UTC()
	for {
		s.mu.Lock()
		if s.items.Len() == 0 || s.items[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.items).(*schedItem)
		s.mu.Unlock()

		if err := s.dispatch(ctx, item.exec); err != nil {
			s.log.Error("failed to dispatch due task",
				"task_id", item.exec.PersistenceID.String(), "error", err)
			if s.onError != nil {
				s.onError(item.exec, err)
			}
		}
	}
}
