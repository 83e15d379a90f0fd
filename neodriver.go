package neodriver

import (
	"context"
	"errors"
	"time"

	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/handler"
	"github.com/acaloiaro/neodriver/internal/engine"
	"github.com/acaloiaro/neodriver/internal/prefetch"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/acaloiaro/neodriver/types"
)

var ErrNoBackend = errors.New("please provide a backend by calling neodriver.New(ctx, neodriver.WithBackend(...))")

// Driver is neodriver's primary API
type Driver interface {
	// PushMessage places a message body at the tail of a queue
	PushMessage(ctx context.Context, queue string, body []byte) (err error)

	// PopMessage returns the next message on a queue, waiting up to the pop timeout for one to become available
	//
	// A nil message with a nil error means no message became available in time.
	PopMessage(ctx context.Context, queue string, opts ...PopOption) (msg *messages.Message, err error)

	// AcknowledgeMessage tells the backend that a popped message was processed
	//
	// For backends that remove messages when they are popped, AcknowledgeMessage does nothing and never fails.
	AcknowledgeMessage(ctx context.Context, queue string, receipt messages.Receipt) (err error)

	// PeekQueue returns up to limit message bodies starting at offset without popping them
	PeekQueue(ctx context.Context, queue string, offset, limit int) (bodies [][]byte, err error)

	// CountMessages returns the number of messages waiting on a queue
	CountMessages(ctx context.Context, queue string) (count int64, err error)

	// CreateQueue creates a queue
	CreateQueue(ctx context.Context, queue string) (err error)

	// RemoveQueue removes a queue and all of its messages
	RemoveQueue(ctx context.Context, queue string) (err error)

	// ListQueues lists the queues known to the backend
	ListQueues(ctx context.Context) (queues []string, err error)

	// Info returns backend-specific information, plus the number of prefetched messages buffered per queue under
	// "buffered"
	Info(ctx context.Context) (info map[string]any, err error)

	// Consume pops messages from a queue and processes them with the given handler until ctx is done
	Consume(ctx context.Context, queue string, h handler.Handler) (err error)

	// SetLogger sets the driver and backend logger
	SetLogger(logger logging.Logger)

	// Shutdown releases the backend's resources
	Shutdown(ctx context.Context)
}

// PopOption is a function that sets optional PopMessage configuration
type PopOption func(o *popOptions)

type popOptions struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithTimeout sets how long PopMessage waits for a message. Timeouts <= 0 check for a message exactly once.
func WithTimeout(timeout time.Duration) PopOption {
	return func(o *popOptions) {
		o.timeout = timeout
		o.hasTimeout = true
	}
}

// WithBackend configures neodriver to initialize the backend with the given initializer
func WithBackend(initializer config.BackendInitializer) config.Option {
	return func(c *config.Config) {
		c.BackendInitializer = initializer
	}
}

type driver struct {
	backend types.Backend
	engine  *engine.Engine
	buffer  *prefetch.Buffer
	config  *config.Config
	logger  logging.Logger
}

// New creates a new Driver over the backend configured by WithBackend
//
// Every option is passed on to the backend initializer, so backend-specific options can be mixed with the general
// ones from the config package.
func New(ctx context.Context, opts ...config.Option) (d Driver, err error) {
	c := config.New()
	for _, opt := range opts {
		opt(c)
	}

	if c.BackendInitializer == nil {
		return nil, ErrNoBackend
	}

	backend, err := c.BackendInitializer(ctx, opts...)
	if err != nil {
		return nil, err
	}

	logger := logging.New(c.LogLevel)
	buffer := prefetch.New()
	eng, err := engine.New(backend, buffer, engine.WithPollInterval(c.PollInterval), engine.WithLogger(logger))
	if err != nil {
		if closeErr := backend.Close(ctx); closeErr != nil {
			logger.Error("unable to close backend", "error", closeErr)
		}

		return nil, err
	}

	d = &driver{
		backend: backend,
		engine:  eng,
		buffer:  buffer,
		config:  c,
		logger:  logger,
	}

	return
}

func (d *driver) PushMessage(ctx context.Context, queue string, body []byte) (err error) {
	if queue == "" {
		return messages.ErrNoQueueSpecified
	}

	return messages.WrapBackendError("send", queue, d.backend.Send(ctx, queue, body))
}

func (d *driver) PopMessage(ctx context.Context, queue string, opts ...PopOption) (msg *messages.Message, err error) {
	if queue == "" {
		return nil, messages.ErrNoQueueSpecified
	}

	o := popOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := d.config.PopTimeout
	if o.hasTimeout {
		timeout = o.timeout
	}

	return d.engine.Pop(ctx, queue, timeout)
}

func (d *driver) AcknowledgeMessage(ctx context.Context, queue string, receipt messages.Receipt) (err error) {
	if queue == "" {
		return messages.ErrNoQueueSpecified
	}

	ack, ok := d.backend.(types.Acknowledger)
	if !ok {
		return nil
	}

	return messages.WrapBackendError("ack", queue, ack.Acknowledge(ctx, queue, receipt))
}

func (d *driver) PeekQueue(ctx context.Context, queue string, offset, limit int) (bodies [][]byte, err error) {
	if queue == "" {
		return nil, messages.ErrNoQueueSpecified
	}

	if offset < 0 {
		offset = 0
	}

	if limit <= 0 {
		limit = d.config.PeekLimit
	}

	bodies, err = d.backend.Peek(ctx, queue, offset, limit)
	if err != nil {
		return nil, messages.WrapBackendError("peek", queue, err)
	}

	if bodies == nil {
		bodies = [][]byte{}
	}

	return
}

func (d *driver) CountMessages(ctx context.Context, queue string) (count int64, err error) {
	if queue == "" {
		return 0, messages.ErrNoQueueSpecified
	}

	count, err = d.backend.Count(ctx, queue)
	err = messages.WrapBackendError("count", queue, err)
	return
}

func (d *driver) CreateQueue(ctx context.Context, queue string) (err error) {
	if queue == "" {
		return messages.ErrNoQueueSpecified
	}

	return messages.WrapBackendError("create", queue, d.backend.Create(ctx, queue))
}

func (d *driver) RemoveQueue(ctx context.Context, queue string) (err error) {
	if queue == "" {
		return messages.ErrNoQueueSpecified
	}

	return messages.WrapBackendError("remove", queue, d.backend.Remove(ctx, queue))
}

func (d *driver) ListQueues(ctx context.Context) (queues []string, err error) {
	queues, err = d.backend.List(ctx)
	err = messages.WrapBackendError("list", "", err)
	return
}

func (d *driver) Info(ctx context.Context) (info map[string]any, err error) {
	info, err = d.backend.Info(ctx)
	if err != nil {
		return nil, messages.WrapBackendError("info", "", err)
	}

	if info == nil {
		info = make(map[string]any)
	}

	// messages reserved ahead of demand that no pop has returned yet, per queue
	info["buffered"] = d.buffer.Sizes()

	return
}

func (d *driver) SetLogger(logger logging.Logger) {
	d.logger = logger
	d.engine.SetLogger(logger)
	d.backend.SetLogger(logger)
}

func (d *driver) Shutdown(ctx context.Context) {
	// prefetched messages are still reserved by the backend, which redelivers them once their reservation expires
	for queue, n := range d.buffer.Sizes() {
		d.logger.Info("shutting down with undelivered prefetched messages", "queue", queue, "count", n)
	}

	if err := d.backend.Close(ctx); err != nil {
		d.logger.Error("unable to close backend", "error", err)
	}
}
