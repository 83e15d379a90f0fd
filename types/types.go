package types

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/messages"
)

var (
	ErrCapabilityMismatch = errors.New("backend does not implement the fetch operation its capability requires")
	ErrInvalidBatchSize   = errors.New("batch reserve size must be at least 1")
	ErrUnknownCapability  = errors.New("unknown backend capability")
)

// Backend is the contract every queue backend implements
//
// Backend is implemented by:
//   - [pkg/github.com/acaloiaro/neodriver/backends/memory.MemBackend]
//   - [pkg/github.com/acaloiaro/neodriver/backends/redis.RedisBackend]
//   - [pkg/github.com/acaloiaro/neodriver/backends/postgres.PgBackend]
//   - [pkg/github.com/acaloiaro/neodriver/backends/sqlite.SqliteBackend]
//   - [pkg/github.com/acaloiaro/neodriver/backends/sqs.SQSBackend]
//   - [pkg/github.com/acaloiaro/neodriver/backends/amqp.AMQPBackend]
//   - [pkg/github.com/acaloiaro/neodriver/backends/mongo.MongoBackend]
//
// Besides Backend, every implementation implements the fetch interface matching the Capability it declares:
// [BlockingFetcher], [BatchReserver] or [PollFetcher]. Backends that can acknowledge messages also implement
// [Acknowledger].
type Backend interface {
	// Capability declares how the backend waits for messages
	Capability() Capability

	// Send places a message body at the tail of a queue
	Send(ctx context.Context, queue string, body []byte) (err error)

	// Create creates a queue
	Create(ctx context.Context, queue string) (err error)

	// Remove removes a queue and its messages
	Remove(ctx context.Context, queue string) (err error)

	// List lists known queues
	List(ctx context.Context) (queues []string, err error)

	// Count returns the number of messages waiting on a queue
	Count(ctx context.Context, queue string) (count int64, err error)

	// Peek returns up to limit message bodies starting at offset, without changing their delivery state
	Peek(ctx context.Context, queue string, offset, limit int) (bodies [][]byte, err error)

	// Info returns backend-specific information
	Info(ctx context.Context) (info map[string]any, err error)

	// SetLogger sets the backend logger
	SetLogger(logger logging.Logger)

	// Close releases the backend's client handles
	Close(ctx context.Context) (err error)
}

// BlockingFetcher is implemented by backends that can natively wait for a single message
//
// FetchBlocking waits up to timeout for one message. A nil message means none arrived in time. A timeout <= 0 must
// perform exactly one non-blocking check; it never means "wait forever".
type BlockingFetcher interface {
	FetchBlocking(ctx context.Context, queue string, timeout time.Duration) (msg *messages.Message, err error)
}

// BatchReserver is implemented by backends that reserve several messages in one round trip
//
// ReserveBatch reserves up to n messages, using timeout as the backend's wait hint. Reserved messages must be
// redelivered by the backend if they are never acknowledged. A timeout <= 0 must perform one non-blocking check.
type BatchReserver interface {
	ReserveBatch(ctx context.Context, queue string, n int, timeout time.Duration) (msgs []*messages.Message, err error)
}

// PollFetcher is implemented by backends that can only answer "is there a message right now?"
type PollFetcher interface {
	FetchNonBlocking(ctx context.Context, queue string) (msg *messages.Message, err error)
}

// Acknowledger is implemented by backends that require delivered messages to be acknowledged
type Acknowledger interface {
	Acknowledge(ctx context.Context, queue string, receipt messages.Receipt) (err error)
}

// Capability describes a backend's native waiting behavior
//
// Capability is implemented by [NativeBlockingWait], [BatchReserve] and [PollOnly] only.
type Capability interface {
	fmt.Stringer
	capability()
}

// NativeBlockingWait backends wait for exactly one message themselves
type NativeBlockingWait struct{}

// BatchReserve backends reserve up to Size messages per round trip
type BatchReserve struct {
	Size int
}

// PollOnly backends have no native wait; waiting is emulated by polling
type PollOnly struct{}

func (NativeBlockingWait) capability() {}
func (BatchReserve) capability()       {}
func (PollOnly) capability()           {}

func (NativeBlockingWait) String() string { return "native-blocking-wait" }
func (b BatchReserve) String() string     { return fmt.Sprintf("batch-reserve(%d)", b.Size) }
func (PollOnly) String() string           { return "poll-only" }

// Validate checks that b implements the fetch interface required by the capability it declares
func Validate(b Backend) (err error) {
	switch c := b.Capability().(type) {
	case NativeBlockingWait:
		if _, ok := b.(BlockingFetcher); !ok {
			err = fmt.Errorf("%w: %s requires FetchBlocking", ErrCapabilityMismatch, c)
		}
	case BatchReserve:
		if c.Size < 1 {
			return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Size)
		}

		if _, ok := b.(BatchReserver); !ok {
			err = fmt.Errorf("%w: %s requires ReserveBatch", ErrCapabilityMismatch, c)
		}
	case PollOnly:
		if _, ok := b.(PollFetcher); !ok {
			err = fmt.Errorf("%w: %s requires FetchNonBlocking", ErrCapabilityMismatch, c)
		}
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownCapability, c)
	}

	return
}
