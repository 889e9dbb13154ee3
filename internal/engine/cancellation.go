package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// CancellationRegistry keeps one cancellation source per running or
// scheduled task, linked to the host context, plus the blacklist that
// closes the race between a cancel call and a consumer dequeue.
type CancellationRegistry struct {
	mu        sync.Mutex
	sources   map[uuid.UUID]context.CancelFunc
	blacklist map[uuid.UUID]struct{}
}

// NewCancellationRegistry creates an empty registry.
func NewCancellationRegistry() *CancellationRegistry {
	return &CancellationRegistry{
		sources:   make(map[uuid.UUID]context.CancelFunc),
		blacklist: make(map[uuid.UUID]struct{}),
	}
}

// CreateToken derives a per-task context from the host context and
// registers its cancel function under the task id. Calling it again for
// the same id replaces the previous source.
func (r *CancellationRegistry) CreateToken(taskID uuid.UUID, host context.Context) context.Context {
	ctx, cancel := context.WithCancel(host)

	r.mu.Lock()
	if old, ok := r.sources[taskID]; ok {
		old()
	}
	r.sources[taskID] = cancel
	r.mu.Unlock()

	return ctx
}

// CancelTokenForTask triggers the task's source. Idempotent; unknown
// ids are ignored.
func (r *CancellationRegistry) CancelTokenForTask(taskID uuid.UUID) {
	r.mu.Lock()
	cancel, ok := r.sources[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Delete disposes the task's source. Idempotent.
func (r *CancellationRegistry) Delete(taskID uuid.UUID) {
	r.mu.Lock()
	cancel, ok := r.sources[taskID]
	delete(r.sources, taskID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Blacklist marks the id so the worker loop discards it before
// execution.
func (r *CancellationRegistry) Blacklist(taskID uuid.UUID) {
	r.mu.Lock()
	r.blacklist[taskID] = struct{}{}
	r.mu.Unlock()
}

// Blacklisted reports and clears the mark for the id.
func (r *CancellationRegistry) Blacklisted(taskID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blacklist[taskID]; ok {
		delete(r.blacklist, taskID)
		return true
	}
	return false
}
