// Package engine implements the consumption algorithm shared by every backend: serve buffered messages first, then
// drive the backend according to the capability it declares, without ever waiting past the caller's deadline.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/internal/prefetch"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/acaloiaro/neodriver/types"
	"k8s.io/utils/clock"
)

// Engine pops messages from a single backend
type Engine struct {
	backend      types.Backend
	capability   types.Capability
	buffer       *prefetch.Buffer
	clock        clock.Clock
	pollInterval time.Duration
	logger       logging.Logger
}

// Option configures an Engine
type Option func(e *Engine)

// WithClock sets the clock used for deadlines and poll waits
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithPollInterval sets the pause between fetches for poll-only backends. Non-positive values are ignored.
func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.pollInterval = interval
		}
	}
}

// WithLogger sets the engine's logger
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine that pops from backend, holding over-fetched messages in buffer
//
// New fails when backend does not implement the fetch interface its capability requires.
func New(backend types.Backend, buffer *prefetch.Buffer, opts ...Option) (e *Engine, err error) {
	if err = types.Validate(backend); err != nil {
		return nil, err
	}

	e = &Engine{
		backend:      backend,
		capability:   backend.Capability(),
		buffer:       buffer,
		clock:        clock.RealClock{},
		pollInterval: config.DefaultPollInterval,
		logger:       logging.New(logging.LogLevelInfo),
	}

	for _, opt := range opts {
		opt(e)
	}

	return
}

// SetLogger replaces the engine's logger
func (e *Engine) SetLogger(logger logging.Logger) {
	e.logger = logger
}

// Pop returns the next message on queue, waiting at most timeout for one to become available
//
// A nil message with a nil error means that nothing became available before the deadline. A timeout <= 0 performs
// exactly one non-blocking check. If ctx is done before a message is fetched, Pop returns ctx.Err(). Messages the
// backend has already handed over are never discarded because of cancellation.
func (e *Engine) Pop(ctx context.Context, queue string, timeout time.Duration) (msg *messages.Message, err error) {
	deadline := e.clock.Now().Add(timeout)

	if m, ok := e.buffer.TryTakeNext(queue); ok {
		e.logger.Debug("serving prefetched message", "queue", queue)
		return m, nil
	}

	switch c := e.capability.(type) {
	case types.NativeBlockingWait:
		return e.popBlocking(ctx, queue, deadline)
	case types.BatchReserve:
		return e.popBatch(ctx, queue, c.Size, deadline)
	case types.PollOnly:
		return e.popPolling(ctx, queue, deadline)
	default:
		return nil, fmt.Errorf("%w: %T", types.ErrUnknownCapability, c)
	}
}

func (e *Engine) popBlocking(ctx context.Context, queue string, deadline time.Time) (msg *messages.Message, err error) {
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	fetcher := e.backend.(types.BlockingFetcher)
	remaining := e.remaining(deadline)
	e.logger.Debug("fetching message", "queue", queue, "timeout", remaining)

	msg, err = fetcher.FetchBlocking(ctx, queue, remaining)
	if err != nil {
		return nil, backendError(ctx, "fetch", queue, err)
	}

	if msg == nil {
		return nil, ctx.Err()
	}

	return msg, nil
}

func (e *Engine) popBatch(ctx context.Context, queue string, n int, deadline time.Time) (msg *messages.Message, err error) {
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	reserver := e.backend.(types.BatchReserver)
	remaining := e.remaining(deadline)
	e.logger.Debug("reserving messages", "queue", queue, "batch_size", n, "timeout", remaining)

	msgs, err := reserver.ReserveBatch(ctx, queue, n, remaining)
	if err != nil {
		return nil, backendError(ctx, "reserve", queue, err)
	}

	if len(msgs) > n {
		err = fmt.Errorf("%w: requested %d messages, received %d", messages.ErrMalformedResponse, n, len(msgs))
		return nil, messages.WrapBackendError("reserve", queue, err)
	}

	for i, m := range msgs {
		if m == nil {
			err = fmt.Errorf("%w: message %d of %d is nil", messages.ErrMalformedResponse, i+1, len(msgs))
			return nil, messages.WrapBackendError("reserve", queue, err)
		}
	}

	if len(msgs) == 0 {
		return nil, ctx.Err()
	}

	if len(msgs) > 1 {
		e.buffer.AppendAll(queue, msgs[1:])
		e.logger.Debug("buffered prefetched messages", "queue", queue, "count", len(msgs)-1)
	}

	return msgs[0], nil
}

func (e *Engine) popPolling(ctx context.Context, queue string, deadline time.Time) (msg *messages.Message, err error) {
	fetcher := e.backend.(types.PollFetcher)

	for {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		msg, err = fetcher.FetchNonBlocking(ctx, queue)
		if err != nil {
			return nil, backendError(ctx, "fetch", queue, err)
		}

		if msg != nil {
			return msg, nil
		}

		now := e.clock.Now()
		if !now.Before(deadline) {
			return nil, nil
		}

		wait := min(e.pollInterval, deadline.Sub(now))
		timer := e.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C():
		}
	}
}

func (e *Engine) remaining(deadline time.Time) time.Duration {
	d := deadline.Sub(e.clock.Now())
	if d < 0 {
		return 0
	}

	return d
}

// backendError wraps err in a BackendError, unless it is the caller's own cancellation surfacing through the backend
func backendError(ctx context.Context, op, queue string, err error) error {
	// backend clients report interrupted calls in their own words, e.g. as i/o timeouts
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return messages.WrapBackendError(op, queue, err)
}
