package messages

import (
	"errors"
	"fmt"
)

var (
	ErrNoQueueSpecified  = errors.New("this message does not specify a queue. please specify a queue")
	ErrMalformedResponse = errors.New("backend returned a malformed response")
)

// Receipt is an opaque, backend-defined token used to acknowledge a delivered message
//
// Receipts may be nil for backends that remove messages at fetch time. Their meaning and uniqueness are entirely up to
// the backend that produced them.
type Receipt any

// Message is a message body paired with the receipt needed to acknowledge it
//
// Messages are what backends return from fetch and reserve operations, what the prefetch buffer holds, and what
// callers receive from PopMessage. The body is never inspected or transformed.
type Message struct {
	Body    []byte
	Receipt Receipt
}

// New creates a new message from a body and its receipt
func New(body []byte, receipt Receipt) *Message {
	return &Message{Body: body, Receipt: receipt}
}

// BackendError is returned when a backend operation fails
//
// The original backend error is always reachable through errors.Is and errors.As; BackendError only adds the
// operation and queue it failed on.
type BackendError struct {
	Op    string // the backend operation that failed, e.g. "reserve"
	Queue string // the queue the operation was performed on, if any
	Err   error  // the error returned by the backend
}

func (e *BackendError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("backend %s on queue '%s' failed: %v", e.Op, e.Queue, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// WrapBackendError wraps err in a BackendError. nil errors remain nil.
func WrapBackendError(op, queue string, err error) error {
	if err == nil {
		return nil
	}

	return &BackendError{Op: op, Queue: queue, Err: err}
}
