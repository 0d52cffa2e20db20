package scheduler

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrDuplicateID       = errors.New("task id already exists")
	ErrUnknownDependency = errors.New("dependency references unknown task")
	ErrCycle             = errors.New("dependency graph contains cycle")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrVersionConflict   = errors.New("task was modified concurrently")
	ErrUnknownHandler    = errors.New("no handler registered")
	ErrHandlersSealed    = errors.New("handler registry is sealed")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrEngineRunning     = errors.New("engine already running")
)

// ErrorKind classifies why a task did not complete.
type ErrorKind string

const (
	KindTimeout               ErrorKind = "Timeout"
	KindHandlerError          ErrorKind = "HandlerError"
	KindDependencyUnreachable ErrorKind = "DependencyUnreachable"
	KindResourceExhausted     ErrorKind = "ResourceExhausted"
	KindCircuitOpen           ErrorKind = "CircuitOpen"
	KindInterrupted           ErrorKind = "Interrupted" // engine stopped or crashed mid-run
)

// TaskError is the classified failure attached to a FAILED task.
type TaskError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Transient bool      `json:"transient"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Permanent marks a handler error as not worth retrying.
//
//	return nil, scheduler.Permanent(fmt.Errorf("bad recipient: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return classifiedError{err: err, transient: false}
}

// Transient marks a handler error as retryable regardless of the classification table.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return classifiedError{err: err, transient: true}
}

type classifiedError struct {
	err       error
	transient bool
}

func (e classifiedError) Error() string { return e.err.Error() }
func (e classifiedError) Unwrap() error { return e.err }

// ClassRule maps errors matching Target (errors.Is) to a retry class.
type ClassRule struct {
	Target    error
	Transient bool
}

// ClassificationTable is the caller-supplied mapping from handler errors to
// transient/permanent. First matching rule wins.
type ClassificationTable []ClassRule

// timeoutError and interruptedError are produced by the worker, never by handlers.
type timeoutError struct{ after string }

func (e timeoutError) Error() string { return "handler exceeded deadline of " + e.after }

type interruptedError struct{ cause error }

func (e interruptedError) Error() string { return "interrupted: " + e.cause.Error() }
func (e interruptedError) Unwrap() error { return e.cause }

type panicError struct{ value any }

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// Classify turns an execution error into a TaskError. Handler errors default
// to transient unless wrapped with Permanent or matched by the table.
func (tbl ClassificationTable) Classify(err error) *TaskError {
	if err == nil {
		return nil
	}

	var te timeoutError
	if errors.As(err, &te) {
		return &TaskError{Kind: KindTimeout, Message: err.Error(), Transient: true}
	}
	var ie interruptedError
	if errors.As(err, &ie) {
		return &TaskError{Kind: KindInterrupted, Message: err.Error(), Transient: true}
	}
	if errors.Is(err, ErrCircuitOpen) {
		return &TaskError{Kind: KindCircuitOpen, Message: err.Error(), Transient: true}
	}
	var pe panicError
	if errors.As(err, &pe) {
		return &TaskError{Kind: KindHandlerError, Message: err.Error(), Transient: false}
	}
	if errors.Is(err, ErrUnknownHandler) {
		return &TaskError{Kind: KindHandlerError, Message: err.Error(), Transient: false}
	}

	var ce classifiedError
	if errors.As(err, &ce) {
		return &TaskError{Kind: KindHandlerError, Message: err.Error(), Transient: ce.transient}
	}
	for _, rule := range tbl {
		if rule.Target != nil && errors.Is(err, rule.Target) {
			return &TaskError{Kind: KindHandlerError, Message: err.Error(), Transient: rule.Transient}
		}
	}
	// A handler that gave up on its own deadline behaves like a timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return &TaskError{Kind: KindTimeout, Message: err.Error(), Transient: true}
	}
	return &TaskError{Kind: KindHandlerError, Message: err.Error(), Transient: true}
}
