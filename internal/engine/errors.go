package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the engine.
var (
	// ErrNullTask is returned when Dispatch is called with no task.
	ErrNullTask = errors.New("task must not be nil")

	// ErrInvalidRecurring is returned when a recurring configuration
	// yields no next occurrence at dispatch time.
	ErrInvalidRecurring = errors.New("recurring configuration yields no next run")

	// ErrPersistenceFailed wraps storage write failures at dispatch.
	ErrPersistenceFailed = errors.New("failed to persist task")

	// ErrQueueFull is returned when an enqueue exceeds capacity under
	// the Drop policy.
	ErrQueueFull = errors.New("queue is full")

	// ErrHandlerTimeout marks an attempt that exceeded the handler's
	// configured timeout.
	ErrHandlerTimeout = errors.New("handler execution timed out")

	// ErrUnknownRequestType is returned when no handler is registered
	// for a request type.
	ErrUnknownRequestType = errors.New("no handler registered for request type")

	// ErrEngineStopped is returned when dispatching into a stopped
	// engine.
	ErrEngineStopped = errors.New("engine is stopped")
)

// renderError flattens an error chain into the multi-line detail string
// stored alongside failed tasks. Recovery never re-raises these; they
// are diagnostic only.
func renderError(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%T: %s", err, err.Error())
	for unwrapped := errors.Unwrap(err); unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		fmt.Fprintf(&b, "\ncaused by %T: %s", unwrapped, unwrapped.Error())
	}
	return b.String()
}
