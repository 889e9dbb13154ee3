package engine

import (
	"context"
	"hash/fnv"
	"runtime"
	"time"

	"github.com/tasklane/tasklane/internal/platform/logger"
)

// DefaultShardCount is the sharded scheduler's default: at least four
// shards, one per processor above that.
func DefaultShardCount() int {
	if n := runtime.GOMAXPROCS(0); n > 4 {
		return n
	}
	return 4
}

// ShardedScheduler partitions scheduled work across M independent
// single-timer schedulers routed by task-id hash. Shards share nothing,
// so a stall or failure in one is isolated. Intended for workloads past
// roughly 10k schedules/s or 100k in-flight items.
type ShardedScheduler struct {
	shards []*TimerScheduler
}

// NewShardedScheduler creates M shards; m < 1 uses the default count.
func NewShardedScheduler(
	m int,
	dispatch func(ctx context.Context, e *HandlerExecutor) error,
	onError func(e *HandlerExecutor, err error),
	log logger.Logger,
) *ShardedScheduler {
	if m < 1 {
		m = DefaultShardCount()
	}
	shards := make([]*TimerScheduler, m)
	for i := range shards {
		shards[i] = NewTimerScheduler(dispatch, onError, log)
	}
	return &ShardedScheduler{shards: shards}
}

// shardFor routes a task id to its shard. The hash is masked to
// unsigned before the modulo so the index can never go negative.
func (s *ShardedScheduler) shardFor(e *HandlerExecutor) *TimerScheduler {
	h := fnv.New32a()
	h.Write(e.PersistenceID[:])
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Schedule routes the executor to its shard.
func (s *ShardedScheduler) Schedule(e *HandlerExecutor, override *time.Time) {
	s.shardFor(e).Schedule(e, override)
}

// Start launches every shard's background loop.
func (s *ShardedScheduler) Start(ctx context.Context) {
	for _, shard := range s.shards {
		shard.Start(ctx)
	}
}

// Len sums the held executors across shards.
func (s *ShardedScheduler) Len() int {
	total := 0
	for _, shard := range s.shards {
		total += shard.Len()
	}
	return total
}

// Wait blocks until every shard loop has exited.
func (s *ShardedScheduler) Wait() {
	for _, shard := range s.shards {
		shard.Wait()
	}
}
