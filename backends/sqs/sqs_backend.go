package sqs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/acaloiaro/neodriver/types"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/exp/slog"
)

const (
	// the most messages a single ReceiveMessage call returns
	MaxPrefetch = 10
	// the longest a single ReceiveMessage call long-polls
	maxWaitTime = 20 * time.Second
)

var ErrInvalidReceipt = errors.New("receipt was not issued by the sqs backend")

// Client is the subset of the SQS API that SQSBackend uses. It is satisfied by [*sqs.Client].
type Client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSBackend is an Amazon SQS-backed neodriver backend
//
// Messages are received in batches of up to the configured prefetch count (at most 10) with long polling, and stay
// invisible to other consumers for the visibility timeout. Acknowledging a message deletes it. Queue URLs are
// resolved once and cached; List reports the queues this backend has resolved.
//
// nolint: revive
type SQSBackend struct {
	client    Client
	config    *config.Config
	logger    logging.Logger
	mu        *sync.RWMutex     // protects queueURLs
	queueURLs map[string]string // queue names to queue URLs
}

// Backend is a [config.BackendInitializer] that initializes a new SQS-backed neodriver backend
//
// Credentials and the region are loaded the way every AWS SDK loads them, from the environment and shared
// configuration files. [WithRegion] overrides the region, and the connection string, when set, overrides the SQS
// endpoint (e.g. http://localhost:4566 for a local emulator).
func Backend(ctx context.Context, opts ...config.Option) (backend types.Backend, err error) {
	c := config.New()
	for _, opt := range opts {
		opt(c)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(c.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load aws configuration: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if c.ConnectionString != "" {
			o.BaseEndpoint = aws.String(c.ConnectionString)
		}
	})

	return newBackend(client, c), nil
}

// BackendWithClient returns a [config.BackendInitializer] that uses an existing SQS client
func BackendWithClient(client Client) config.BackendInitializer {
	return func(_ context.Context, opts ...config.Option) (backend types.Backend, err error) {
		c := config.New()
		for _, opt := range opts {
			opt(c)
		}

		return newBackend(client, c), nil
	}
}

func newBackend(client Client, c *config.Config) *SQSBackend {
	return &SQSBackend{
		client:    client,
		config:    c,
		logger:    slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel})),
		mu:        &sync.RWMutex{},
		queueURLs: make(map[string]string),
	}
}

// WithRegion configures the AWS region of the SQS queues
func WithRegion(region string) config.Option {
	return func(c *config.Config) {
		c.Region = region
	}
}

// WithEndpoint configures neodriver to send SQS requests to the given endpoint instead of AWS
func WithEndpoint(endpoint string) config.Option {
	return func(c *config.Config) {
		c.ConnectionString = endpoint
	}
}

// Capability reserves up to the configured prefetch count, capped at what SQS returns per call
func (b *SQSBackend) Capability() types.Capability {
	return types.BatchReserve{Size: b.prefetch()}
}

func (b *SQSBackend) prefetch() int {
	return min(b.config.Prefetch, MaxPrefetch)
}

// Send sends body to queue
func (b *SQSBackend) Send(ctx context.Context, queue string, body []byte) (err error) {
	queueURL, err := b.queueURL(ctx, queue)
	if err != nil {
		return
	}

	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})

	return
}

// ReserveBatch receives up to n messages from queue, long-polling for up to timeout
//
// SQS long-polls in whole seconds up to 20; timeouts under a second make a single short poll and timeouts over 20
// seconds are shortened to 20.
func (b *SQSBackend) ReserveBatch(ctx context.Context, queue string, n int, timeout time.Duration) (msgs []*messages.Message, err error) {
	queueURL, err := b.queueURL(ctx, queue)
	if err != nil {
		return
	}

	wait := min(max(timeout, 0), maxWaitTime)
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: int32(min(n, MaxPrefetch)),
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   int32(b.config.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return
	}

	for _, m := range out.Messages {
		msgs = append(msgs, messages.New([]byte(aws.ToString(m.Body)), aws.ToString(m.ReceiptHandle)))
	}

	if len(msgs) > 0 {
		b.logger.Debug("received messages", "queue", queue, "count", len(msgs))
	}

	return
}

// Acknowledge deletes a received message
func (b *SQSBackend) Acknowledge(ctx context.Context, queue string, receipt messages.Receipt) (err error) {
	handle, ok := receipt.(string)
	if !ok {
		return fmt.Errorf("%w: %T", ErrInvalidReceipt, receipt)
	}

	queueURL, err := b.queueURL(ctx, queue)
	if err != nil {
		return
	}

	_, err = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(handle),
	})

	return
}

// Create creates queue and caches its URL
func (b *SQSBackend) Create(ctx context.Context, queue string) (err error) {
	out, err := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(queue)})
	if err != nil {
		return
	}

	b.mu.Lock()
	b.queueURLs[queue] = aws.ToString(out.QueueUrl)
	b.mu.Unlock()

	return
}

// Remove deletes queue and forgets its URL
func (b *SQSBackend) Remove(ctx context.Context, queue string) (err error) {
	queueURL, err := b.queueURL(ctx, queue)
	if err != nil {
		return
	}

	_, err = b.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(queueURL)})
	if err != nil {
		return
	}

	b.mu.Lock()
	delete(b.queueURLs, queue)
	b.mu.Unlock()

	return
}

// List lists the queues whose URLs this backend has resolved, sorted by name
func (b *SQSBackend) List(_ context.Context) (queues []string, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	queues = make([]string, 0, len(b.queueURLs))
	for name := range b.queueURLs {
		queues = append(queues, name)
	}
	sort.Strings(queues)

	return
}

// Count returns SQS's approximate number of visible messages on queue. Queues that do not exist have none.
func (b *SQSBackend) Count(ctx context.Context, queue string) (count int64, err error) {
	queueURL, err := b.queueURL(ctx, queue)
	if isQueueDoesNotExist(err) {
		return 0, nil
	}

	if err != nil {
		return
	}

	attr := sqstypes.QueueAttributeNameApproximateNumberOfMessages
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{attr},
	})
	if err != nil {
		return
	}

	value, ok := out.Attributes[string(attr)]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", messages.ErrMalformedResponse, attr)
	}

	count, err = strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is %q", messages.ErrMalformedResponse, attr, value)
	}

	return
}

// Peek is not supported by SQS: receiving a message changes its visibility. It always returns no bodies.
func (b *SQSBackend) Peek(_ context.Context, _ string, _, _ int) (bodies [][]byte, err error) {
	return [][]byte{}, nil
}

// Info reports the prefetch count
func (b *SQSBackend) Info(_ context.Context) (info map[string]any, err error) {
	return map[string]any{"prefetch": b.prefetch()}, nil
}

// SetLogger sets this backend's logger
func (b *SQSBackend) SetLogger(logger logging.Logger) {
	b.logger = logger
}

// Close does nothing; SQS clients hold no connections that need releasing
func (b *SQSBackend) Close(_ context.Context) (err error) {
	return
}

func (b *SQSBackend) queueURL(ctx context.Context, queue string) (queueURL string, err error) {
	b.mu.RLock()
	queueURL, ok := b.queueURLs[queue]
	b.mu.RUnlock()
	if ok {
		return
	}

	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("unable to resolve url of queue '%s': %w", queue, err)
	}

	queueURL = aws.ToString(out.QueueUrl)

	b.mu.Lock()
	b.queueURLs[queue] = queueURL
	b.mu.Unlock()

	b.logger.Debug("resolved queue url", "queue", queue, "url", queueURL)

	return
}

func isQueueDoesNotExist(err error) bool {
	var notFound *sqstypes.QueueDoesNotExist
	return errors.As(err, &notFound)
}
