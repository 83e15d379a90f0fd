package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/acaloiaro/neodriver/messages"
)

const (
	DefaultHandlerDeadline = 30 * time.Second
)

type contextKey struct{}

var (
	MessageCtxVarKey       contextKey
	ErrContextHasNoMessage = errors.New("context has no message")
)

// Func is a function that Handlers execute for every message on a queue
type Func func(ctx context.Context) error

// Handler handles messages on a queue
type Handler struct {
	Handle      Func
	Concurrency int
	Deadline    time.Duration
	PopTimeout  time.Duration
}

// Option is function that sets optional configuration for Handlers
type Option func(w *Handler)

// WithOptions sets one or more options on handler
func (h *Handler) WithOptions(opts ...Option) {
	for _, opt := range opts {
		opt(h)
	}
}

// Deadline configures handlers with a time deadline for every executed message
// The deadline is the amount of time that can be spent executing the handler's Func
// when a deadline is exceeded, the message is left unacknowledged and the backend redelivers it
func Deadline(d time.Duration) Option {
	return func(h *Handler) {
		h.Deadline = d
	}
}

// Concurrency configures the number of workers that pop and handle messages concurrently
// the default concurrency is one fewer than the number of (v)CPUs on the machine, and never less than one
func Concurrency(c int) Option {
	return func(h *Handler) {
		h.Concurrency = c
	}
}

// PopTimeout configures how long each worker waits for a message before popping again
// when unset, the driver's default pop timeout is used
func PopTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.PopTimeout = d
	}
}

// New creates a new queue handler
func New(f Func, opts ...Option) (h Handler) {
	h = Handler{
		Handle: f,
	}

	h.WithOptions(opts...)

	// default to running one fewer threads than CPUs
	if h.Concurrency <= 0 {
		Concurrency(max(runtime.NumCPU()-1, 1))(&h)
	}

	// always set a message deadline if none is set
	if h.Deadline <= 0 {
		Deadline(DefaultHandlerDeadline)(&h)
	}

	return
}

// WithMessageContext creates a new context with the message set
func WithMessageContext(ctx context.Context, m *messages.Message) context.Context {
	return context.WithValue(ctx, MessageCtxVarKey, m)
}

// Exec executes handler functions with a concrete time deadline
func Exec(ctx context.Context, handler Handler) (err error) {
	deadlineCtx, cancel := context.WithDeadline(ctx, time.Now().Add(handler.Deadline))
	defer cancel()

	var errCh = make(chan error, 1)
	go func(ctx context.Context) {
		errCh <- handler.Handle(ctx)
	}(deadlineCtx)

	select {
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("message failed to process: %w", err)
		}

	case <-deadlineCtx.Done():
		ctxErr := deadlineCtx.Err()
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("message exceeded its %s deadline: %w", handler.Deadline, ctxErr)
		} else if errors.Is(ctxErr, context.Canceled) {
			err = ctxErr
		} else {
			err = fmt.Errorf("message failed to process: %w", ctxErr)
		}
	}

	return
}

// MessageFromContext fetches the message from a context if the message context variable is already set
func MessageFromContext(ctx context.Context) (m *messages.Message, err error) {
	var ok bool
	if m, ok = ctx.Value(MessageCtxVarKey).(*messages.Message); ok {
		return
	}

	return nil, ErrContextHasNoMessage
}
