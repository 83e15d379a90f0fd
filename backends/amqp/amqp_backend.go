package amqp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/acaloiaro/neodriver/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/exp/slog"
)

var (
	ErrCnxString      = errors.New("invalid connection string: see documentation for valid amqp connection strings")
	ErrInvalidReceipt = errors.New("receipt was not issued by the amqp backend")
)

// Channel is the subset of [*amqp.Channel] that AMQPBackend uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (msg amqp.Delivery, ok bool, err error)
	Ack(tag uint64, multiple bool) error
	Close() error
}

// Receipt identifies a delivery. Delivery tags are only meaningful on the channel that issued them, so receipts carry
// the channel's generation too.
type Receipt struct {
	Channel uint64 // incremented every time the backend replaces its channel
	Tag     uint64
}

// ChannelOpener opens a new channel. AMQPBackend opens a replacement whenever the broker closes its channel.
type ChannelOpener func() (Channel, error)

// AMQPBackend is an AMQP 0-9-1 (e.g. RabbitMQ) backed neodriver backend
//
// Every queue is declared durable and bound to a direct exchange under its own name. Messages are fetched with
// basic.get, so waiting for messages is emulated by polling. Fetched messages are acknowledged with basic.ack;
// the broker redelivers unacknowledged messages when the channel closes.
//
// nolint: revive
type AMQPBackend struct {
	config   *config.Config
	logger   logging.Logger
	open     ChannelOpener
	closer   func() error
	mu         *sync.Mutex // protects ch, generation and declared
	ch         Channel
	generation uint64
	declared   map[string]bool
}

// Backend is a [config.BackendInitializer] that initializes a new AMQP-backed neodriver backend
func Backend(_ context.Context, opts ...config.Option) (backend types.Backend, err error) {
	c := config.New()
	for _, opt := range opts {
		opt(c)
	}

	if c.ConnectionString == "" {
		return nil, ErrCnxString
	}

	conn, err := amqp.Dial(c.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to amqp broker: %w", err)
	}

	opener := func() (Channel, error) { return conn.Channel() }
	b, err := newBackend(c, opener, conn.Close)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return b, nil
}

// BackendWithChannel returns a [config.BackendInitializer] that uses channels opened by open
func BackendWithChannel(open ChannelOpener) config.BackendInitializer {
	return func(_ context.Context, opts ...config.Option) (backend types.Backend, err error) {
		c := config.New()
		for _, opt := range opts {
			opt(c)
		}

		return newBackend(c, open, nil)
	}
}

func newBackend(c *config.Config, open ChannelOpener, closer func() error) (b *AMQPBackend, err error) {
	b = &AMQPBackend{
		config:   c,
		logger:   slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel})),
		open:     open,
		closer:   closer,
		mu:         &sync.Mutex{},
		generation: 1,
		declared:   make(map[string]bool),
	}

	b.ch, err = open()
	if err != nil {
		return nil, fmt.Errorf("unable to open amqp channel: %w", err)
	}

	err = b.ch.ExchangeDeclare(c.Exchange, amqp.ExchangeDirect, true, false, false, false, nil)
	if err != nil {
		b.ch.Close()
		return nil, fmt.Errorf("unable to declare exchange '%s': %w", c.Exchange, err)
	}

	return b, nil
}

// WithExchange sets the exchange that queues are bound to
func WithExchange(exchange string) config.Option {
	return func(c *config.Config) {
		c.Exchange = exchange
	}
}

// WithContentType sets the content type messages are published with
func WithContentType(contentType string) config.Option {
	return func(c *config.Config) {
		c.ContentType = contentType
	}
}

// Capability is poll-only: basic.get answers immediately
func (b *AMQPBackend) Capability() types.Capability {
	return types.PollOnly{}
}

// Send publishes body to queue, declaring the queue first if this backend has not
func (b *AMQPBackend) Send(ctx context.Context, queue string, body []byte) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err = b.declare(queue); err != nil {
		return
	}

	err = b.ch.PublishWithContext(ctx, b.config.Exchange, queue, false, false, amqp.Publishing{
		ContentType:  b.config.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		b.reopen(err)
	}

	return
}

// FetchNonBlocking gets one message from queue without acknowledging it
func (b *AMQPBackend) FetchNonBlocking(ctx context.Context, queue string) (msg *messages.Message, err error) {
	if err = ctx.Err(); err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err = b.declare(queue); err != nil {
		return
	}

	delivery, ok, err := b.ch.Get(queue, false)
	if err != nil {
		b.reopen(err)
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	return messages.New(delivery.Body, Receipt{Channel: b.generation, Tag: delivery.DeliveryTag}), nil
}

// Acknowledge acks a fetched message
//
// Messages fetched before the channel was replaced were requeued by the broker when the old channel closed. Their
// receipts are ignored, since their tags may now belong to other deliveries.
func (b *AMQPBackend) Acknowledge(_ context.Context, queue string, receipt messages.Receipt) (err error) {
	r, ok := receipt.(Receipt)
	if !ok {
		return fmt.Errorf("%w: %T", ErrInvalidReceipt, receipt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if r.Channel != b.generation {
		b.logger.Info("ignoring acknowledgement from a closed channel, the message was requeued",
			"queue", queue, "channel", r.Channel, "delivery_tag", r.Tag)
		return nil
	}

	if err = b.ch.Ack(r.Tag, false); err != nil {
		b.reopen(err)
	}

	return
}

// Create declares queue and binds it to the exchange
func (b *AMQPBackend) Create(_ context.Context, queue string) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.declare(queue)
}

// Remove deletes queue and its messages
func (b *AMQPBackend) Remove(_ context.Context, queue string) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err = b.ch.QueueDelete(queue, false, false, false); err != nil {
		b.reopen(err)
		return
	}

	delete(b.declared, queue)

	return
}

// List lists the queues declared by this backend, sorted by name. AMQP has no way to list a broker's queues.
func (b *AMQPBackend) List(_ context.Context) (queues []string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queues = make([]string, 0, len(b.declared))
	for name := range b.declared {
		queues = append(queues, name)
	}
	sort.Strings(queues)

	return
}

// Count returns the number of ready messages on queue. Queues that do not exist have none.
func (b *AMQPBackend) Count(_ context.Context, queue string) (count int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		b.reopen(err)

		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return 0, nil
		}

		return
	}

	return int64(q.Messages), nil
}

// Peek is not supported by AMQP: reading a message delivers it. It always returns no bodies.
func (b *AMQPBackend) Peek(_ context.Context, _ string, _, _ int) (bodies [][]byte, err error) {
	return [][]byte{}, nil
}

// Info reports the exchange and the number of declared queues
func (b *AMQPBackend) Info(_ context.Context) (info map[string]any, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]any{
		"exchange":     b.config.Exchange,
		"content_type": b.config.ContentType,
		"queues":       len(b.declared),
	}, nil
}

// SetLogger sets this backend's logger
func (b *AMQPBackend) SetLogger(logger logging.Logger) {
	b.logger = logger
}

// Close closes the channel and the connection. Unacknowledged messages are requeued by the broker.
func (b *AMQPBackend) Close(_ context.Context) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err = b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Error("unable to close amqp channel", "error", err)
	}

	if b.closer != nil {
		return b.closer()
	}

	return nil
}

// declare declares queue and its binding the first time this backend uses queue
func (b *AMQPBackend) declare(queue string) (err error) {
	if b.declared[queue] {
		return
	}

	if _, err = b.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		b.reopen(err)
		return fmt.Errorf("unable to declare queue: %w", err)
	}

	if err = b.ch.QueueBind(queue, queue, b.config.Exchange, false, nil); err != nil {
		b.reopen(err)
		return fmt.Errorf("unable to bind queue to exchange '%s': %w", b.config.Exchange, err)
	}

	b.declared[queue] = true
	b.logger.Debug("declared queue", "queue", queue, "exchange", b.config.Exchange)

	return
}

// reopen replaces the channel when err is a channel or connection exception, which closes the channel
func (b *AMQPBackend) reopen(err error) {
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) && !errors.Is(err, amqp.ErrClosed) {
		return
	}

	b.ch.Close()
	b.generation++

	ch, openErr := b.open()
	if openErr != nil {
		b.logger.Error("unable to reopen amqp channel", "error", openErr)
		return
	}

	b.ch = ch
	b.logger.Debug("reopened amqp channel", "cause", err)
}
