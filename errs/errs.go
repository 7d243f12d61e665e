// Package errs provides the structured error envelope the bus uses to
// report publication failures out-of-band (spec §6/§7): handler failures,
// async-enqueue interruptions and timeouts, and worker interruptions.
package errs

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Code identifies the publication-error category.
type Code string

const (
	// CodeHandlerFailure marks a failure raised by a handler invocation.
	CodeHandlerFailure Code = "handler_failure"
	// CodeEnqueueInterrupted marks an interruption while placing a record
	// into the async dispatch queue.
	CodeEnqueueInterrupted Code = "enqueue_interrupted"
	// CodeEnqueueTimeout marks a timed-out async enqueue.
	CodeEnqueueTimeout Code = "enqueue_timeout"
	// CodeWorkerInterrupted marks a spurious worker interruption observed
	// outside shutdown.
	CodeWorkerInterrupted Code = "worker_interrupted"
	// CodeRejectedAfterShutdown marks a publish attempted after shutdown.
	CodeRejectedAfterShutdown Code = "rejected_after_shutdown"
)

// PublicationError is the envelope defined by spec §6:
// { message, cause, publishedObjects }, plus an ID for correlating it
// across logs and error sinks and a Code for programmatic branching.
type PublicationError struct {
	ID               string
	Code             Code
	Message          string
	PublishedObjects []any

	cause error
}

// Option configures a PublicationError.
type Option func(*PublicationError)

// New constructs a PublicationError of the given kind.
func New(code Code, opts ...Option) *PublicationError {
	e := &PublicationError{
		ID:   uuid.NewString(),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *PublicationError) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *PublicationError) {
		e.cause = err
	}
}

// WithPublishedObjects records the tuple that was being published when the
// failure occurred. The slice is copied.
func WithPublishedObjects(objs []any) Option {
	cp := make([]any, len(objs))
	copy(cp, objs)
	return func(e *PublicationError) {
		e.PublishedObjects = cp
	}
}

func (e *PublicationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)
	parts = append(parts, "id="+e.ID)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.PublishedObjects) > 0 {
		parts = append(parts, "published_count="+strconv.Itoa(len(e.PublishedObjects)))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *PublicationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Sink receives PublicationErrors produced by the bus. Implementations
// must not block the caller for long — they run on the publisher's thread
// for synchronous handler failures and on a worker thread for async
// failures.
type Sink interface {
	Handle(err *PublicationError)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(err *PublicationError)

// Handle implements Sink.
func (f SinkFunc) Handle(err *PublicationError) {
	if f != nil {
		f(err)
	}
}
