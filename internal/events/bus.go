// Package events provides the in-process pub/sub of task lifecycle
// events consumed by monitoring and external sinks.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/tasklane/internal/storage"
)

// Severity classifies a lifecycle event.
type Severity string

// Severities
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Kind names the lifecycle transition an event reports.
type Kind string

// Event kinds
const (
	KindDispatched Kind = "task.dispatched"
	KindQueued     Kind = "task.queued"
	KindScheduled  Kind = "task.scheduled"
	KindStarted    Kind = "task.started"
	KindRetried    Kind = "task.retried"
	KindCompleted  Kind = "task.completed"
	KindFailed     Kind = "task.failed"
	KindCancelled  Kind = "task.cancelled"
	KindStopped    Kind = "task.stopped"
)

// TaskEventData is the payload published for every lifecycle event.
type TaskEventData struct {
	TaskID        uuid.UUID               `json:"taskId"`
	Kind          Kind                    `json:"kind"`
	EventAt       time.Time               `json:"eventAtUtc"`
	Severity      Severity                `json:"severity"`
	RequestType   string                  `json:"requestType"`
	HandlerType   string                  `json:"handlerType"`
	RequestJSON   string                  `json:"requestJson"`
	Message       string                  `json:"message"`
	Exception     string                  `json:"exception,omitempty"`
	ExecutionLogs []*storage.ExecutionLog `json:"executionLogs,omitempty"`
}

// Bus fans lifecycle events out to subscriber channels. Publishing
// never blocks: a subscriber that stops draining loses events rather
// than stalling the executor.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan TaskEventData
	next        int
	buffer      int
	closed      bool
}

// NewBus creates a bus whose subscriber channels hold up to buffer
// undelivered events each.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subscribers: make(map[int]chan TaskEventData),
		buffer:      buffer,
	}
}

// Subscribe registers a consumer. The returned cancel function must be
// called to release the channel.
func (b *Bus) Subscribe() (<-chan TaskEventData, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan TaskEventData, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
}

// Publish delivers an event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(event TaskEventData) {
	if event.EventAt.IsZero() {
		event.EventAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close tears the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
