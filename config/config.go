package config

import (
	"context"
	"time"

	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/types"
)

const (
	// the amount of time PopMessage waits for a message when the caller does not specify a timeout
	DefaultPopTimeout = 5 * time.Second
	// the interval between fetch attempts for backends that can only poll. short relative to typical pop timeouts
	// but never zero, so that empty queues do not spin the CPU
	DefaultPollInterval = 10 * time.Millisecond
	// the number of messages batch-reserving backends fetch per round trip
	DefaultPrefetch = 2
	// the amount of time a reserved message stays invisible to other consumers before it is redelivered
	DefaultVisibilityTimeout = 30 * time.Second
	// the number of messages PeekQueue returns when the caller does not specify a limit
	DefaultPeekLimit = 20
	// the prefix backends use for the keys, tables, or collections they own
	DefaultQueuePrefix = "queue:"
	// the number of milliseconds PgBackend transactions may idle before the connection is killed
	DefaultIdleTxTimeout = 30000
	// the database MongoBackend keeps its collections in
	DefaultDatabase = "neodriver"
	// the exchange AMQPBackend binds queues to
	DefaultExchange = "neodriver"
	// the content type AMQPBackend publishes messages with
	DefaultContentType = "application/octet-stream"
)

type Config struct {
	BackendInitializer     BackendInitializer
	ConnectionString       string           // a string containing connection details for the backend
	BackendAuthPassword    string           // password with which to authenticate to the backend
	Capability             types.Capability // the fetch capability to use, for backends that support more than one
	PopTimeout             time.Duration    // the default amount of time PopMessage waits for a message
	PollInterval           time.Duration    // the interval between fetches for poll-only backends
	Prefetch               int              // the number of messages batch-reserving backends fetch per round trip
	VisibilityTimeout      time.Duration    // the time reserved messages stay hidden before being redelivered
	PeekLimit              int              // the default number of messages PeekQueue returns
	IdleTransactionTimeout int              // the number of milliseconds PgBackend transactions may idle before the connection is killed
	Database               string           // the database that holds queue collections (MongoDB)
	Exchange               string           // the exchange queues are bound to (AMQP)
	ContentType            string           // the content type messages are published with (AMQP)
	Region                 string           // the cloud region queues live in (SQS)
	LogLevel               logging.LogLevel // the log level of the default logger
}

// Option is a function that sets optional backend configuration
type Option func(c *Config)

// New initializes a new Config with defaults
func New() *Config {
	return &Config{
		PopTimeout:             DefaultPopTimeout,
		PollInterval:           DefaultPollInterval,
		Prefetch:               DefaultPrefetch,
		VisibilityTimeout:      DefaultVisibilityTimeout,
		PeekLimit:              DefaultPeekLimit,
		IdleTransactionTimeout: DefaultIdleTxTimeout,
		Database:               DefaultDatabase,
		Exchange:               DefaultExchange,
		ContentType:            DefaultContentType,
		LogLevel:               logging.LogLevelInfo,
	}
}

// WithConnectionString configures neodriver to use the specified connection string when connecting to a backend
func WithConnectionString(connectionString string) Option {
	return func(c *Config) {
		c.ConnectionString = connectionString
	}
}

// WithPopTimeout sets the amount of time PopMessage waits when the caller does not specify a timeout
func WithPopTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.PopTimeout = timeout
	}
}

// WithPollInterval sets the interval between fetches for poll-only backends
//
// Non-positive intervals are ignored; polling without a pause would busy-loop.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		if interval > 0 {
			c.PollInterval = interval
		}
	}
}

// WithPrefetch sets the number of messages batch-reserving backends fetch per round trip
func WithPrefetch(prefetch int) Option {
	return func(c *Config) {
		if prefetch > 0 {
			c.Prefetch = prefetch
		}
	}
}

// WithVisibilityTimeout sets how long reserved messages stay hidden before backends redeliver them
func WithVisibilityTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.VisibilityTimeout = timeout
		}
	}
}

// WithPeekLimit sets the number of messages PeekQueue returns when the caller does not specify a limit
func WithPeekLimit(limit int) Option {
	return func(c *Config) {
		if limit > 0 {
			c.PeekLimit = limit
		}
	}
}

// WithCapability selects the fetch capability of backends that support more than one
func WithCapability(capability types.Capability) Option {
	return func(c *Config) {
		c.Capability = capability
	}
}

// WithLogLevel configures the log level of the default loggers
func WithLogLevel(level logging.LogLevel) Option {
	return func(c *Config) {
		c.LogLevel = level
	}
}

// BackendInitializer is a function that initializes a backend
type BackendInitializer func(ctx context.Context, opts ...Option) (backend types.Backend, err error)
