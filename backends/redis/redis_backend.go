package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/acaloiaro/neodriver/types"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

// queuesKey is the set that records every known queue name
const queuesKey = "queues"

var (
	// ErrInvalidAddr indicates that the provided address is not a valid redis connection string
	ErrInvalidAddr = errors.New("invalid connecton string: see documentation for valid connection strings")
	// ErrUnsupportedCapability indicates that a capability other than blocking or polling pops was configured
	ErrUnsupportedCapability = errors.New("redis supports native-blocking-wait and poll-only capabilities")
)

// RedisBackend is a Redis-backed neodriver backend
//
// Every queue is a list under the "queue:" prefix, and the "queues" set keeps track of queue names. Popping removes a
// message from its list, so there is nothing to acknowledge.
//
// nolint: revive
type RedisBackend struct {
	client     *redis.Client
	config     *config.Config
	logger     logging.Logger
	capability types.Capability
}

// Backend is a [config.BackendInitializer] that initializes a new Redis-backed neodriver backend
//
// The connection string may be a bare host:port address or a redis:// URL.
func Backend(ctx context.Context, opts ...config.Option) (backend types.Backend, err error) {
	b := &RedisBackend{
		config: config.New(),
	}

	for _, opt := range opts {
		opt(b.config)
	}

	b.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: b.config.LogLevel}))
	if b.config.ConnectionString == "" {
		err = ErrInvalidAddr
		return
	}

	switch c := b.config.Capability.(type) {
	case nil, types.NativeBlockingWait:
		b.capability = types.NativeBlockingWait{}
	case types.PollOnly:
		b.capability = c
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedCapability, c)
		return
	}

	clientOpt, err := clientOptions(b.config.ConnectionString)
	if err != nil {
		return
	}

	if b.config.BackendAuthPassword != "" {
		clientOpt.Password = b.config.BackendAuthPassword
	}

	b.client = redis.NewClient(clientOpt)
	if err = b.client.Ping(ctx).Err(); err != nil {
		_ = b.client.Close()
		err = fmt.Errorf("unable to connect to redis at %s: %w", clientOpt.Addr, err)
		return
	}

	backend = b

	return
}

func clientOptions(connectionString string) (opt *redis.Options, err error) {
	if strings.HasPrefix(connectionString, "redis://") || strings.HasPrefix(connectionString, "rediss://") {
		opt, err = redis.ParseURL(connectionString)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
		}

		// blocking pops must give up when the caller's context does
		opt.ContextTimeoutEnabled = true
		return
	}

	return &redis.Options{Addr: connectionString, ContextTimeoutEnabled: true}, nil
}

// WithAddr configures neodriver to connect to Redis with the given address
func WithAddr(addr string) config.Option {
	return func(c *config.Config) {
		c.ConnectionString = addr
	}
}

// WithPassword configures neodriver to connect to Redis with the given password
func WithPassword(password string) config.Option {
	return func(c *config.Config) {
		c.BackendAuthPassword = password
	}
}

// WithBlockingPop configures whether messages are popped with BLPOP (the default) or polled for with LPOP
//
// Polling is meant for proxies that do not support blocking commands.
func WithBlockingPop(blocking bool) config.Option {
	return func(c *config.Config) {
		if blocking {
			c.Capability = types.NativeBlockingWait{}
		} else {
			c.Capability = types.PollOnly{}
		}
	}
}

// Capability is native blocking waits unless WithBlockingPop(false) was configured
func (b *RedisBackend) Capability() types.Capability {
	return b.capability
}

// Send registers queue and appends body to its list
func (b *RedisBackend) Send(ctx context.Context, queue string, body []byte) (err error) {
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, queuesKey, queue)
		pipe.RPush(ctx, key(queue), body)
		return nil
	})

	return
}

// FetchBlocking pops the next message on queue, waiting up to timeout with BLPOP
//
// Whole seconds are waited for with go-redis' BLPop, which extends the connection's read deadline to match. The
// fractional remainder is sent as a decimal BLPOP timeout, which requires Redis 6 or later.
func (b *RedisBackend) FetchBlocking(ctx context.Context, queue string, timeout time.Duration) (msg *messages.Message, err error) {
	if timeout <= 0 {
		return b.FetchNonBlocking(ctx, queue)
	}

	deadline := time.Now().Add(timeout)
	if whole := timeout.Truncate(time.Second); whole > 0 {
		msg, err = popped(b.client.BLPop(ctx, whole, key(queue)).Result())
		if err != nil || msg != nil {
			return
		}
	}

	// BLPOP counts in milliseconds; rounding down keeps the wait within the deadline
	remaining := time.Until(deadline).Truncate(time.Millisecond)
	if remaining <= 0 {
		return nil, nil
	}

	return popped(b.client.Do(ctx, "blpop", key(queue), formatSeconds(remaining)).StringSlice())
}

// popped turns a BLPOP reply into a message. A nil reply means the wait timed out.
func popped(result []string, err error) (msg *messages.Message, _ error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	// BLPOP replies with the key that was popped from, followed by the value
	if len(result) != 2 {
		return nil, fmt.Errorf("%w: BLPOP replied with %d elements", messages.ErrMalformedResponse, len(result))
	}

	return messages.New([]byte(result[1]), nil), nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// FetchNonBlocking pops the next message on queue if there is one
func (b *RedisBackend) FetchNonBlocking(ctx context.Context, queue string) (msg *messages.Message, err error) {
	body, err := b.client.LPop(ctx, key(queue)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return
	}

	return messages.New(body, nil), nil
}

// Create registers queue. Its list comes into existence with the first message.
func (b *RedisBackend) Create(ctx context.Context, queue string) (err error) {
	return b.client.SAdd(ctx, queuesKey, queue).Err()
}

// Remove unregisters queue and deletes its messages
func (b *RedisBackend) Remove(ctx context.Context, queue string) (err error) {
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, queuesKey, queue)
		pipe.Del(ctx, key(queue))
		return nil
	})

	return
}

// List lists registered queues, sorted by name
func (b *RedisBackend) List(ctx context.Context) (queues []string, err error) {
	queues, err = b.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return nil, err
	}

	sort.Strings(queues)

	return
}

// Count returns the length of queue's list
func (b *RedisBackend) Count(ctx context.Context, queue string) (count int64, err error) {
	return b.client.LLen(ctx, key(queue)).Result()
}

// Peek returns up to limit message bodies starting at offset
func (b *RedisBackend) Peek(ctx context.Context, queue string, offset, limit int) (bodies [][]byte, err error) {
	values, err := b.client.LRange(ctx, key(queue), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}

	bodies = make([][]byte, 0, len(values))
	for _, v := range values {
		bodies = append(bodies, []byte(v))
	}

	return
}

// Info returns the fields reported by the Redis INFO command
func (b *RedisBackend) Info(ctx context.Context) (info map[string]any, err error) {
	raw, err := b.client.Info(ctx).Result()
	if err != nil {
		return nil, err
	}

	return parseInfo(raw), nil
}

// parseInfo turns INFO's "field:value" lines into a map, skipping section headers and blank lines
func parseInfo(raw string) (info map[string]any) {
	info = make(map[string]any)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		info[field] = value
	}

	return
}

// SetLogger sets this backend's logger
func (b *RedisBackend) SetLogger(logger logging.Logger) {
	b.logger = logger
}

// Close closes the Redis client
func (b *RedisBackend) Close(_ context.Context) (err error) {
	return b.client.Close()
}

func key(queue string) string {
	return config.DefaultQueuePrefix + queue
}
