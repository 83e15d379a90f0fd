package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/acaloiaro/neodriver/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/exp/slog"
)

const (
	MessagesCollection = "neodriver_messages"
	QueuesCollection   = "neodriver_queues"
)

var (
	ErrCnxString      = errors.New("invalid connection string: see documentation for valid mongodb connection strings")
	ErrInvalidReceipt = errors.New("receipt was not issued by the mongo backend")
)

// Receipt identifies one delivery of a message document. Only the latest delivery's receipt acknowledges it.
type Receipt struct {
	ID       primitive.ObjectID
	Delivery int
}

// String formats r as "<hex id>.<delivery>", the form ParseReceipt reads
func (r Receipt) String() string {
	return fmt.Sprintf("%s.%d", r.ID.Hex(), r.Delivery)
}

// ParseReceipt parses a receipt formatted by [Receipt.String]
func ParseReceipt(s string) (r Receipt, err error) {
	id, delivery, ok := strings.Cut(s, ".")
	if !ok {
		return r, fmt.Errorf("%w: '%s' is not <id>.<delivery>", ErrInvalidReceipt, s)
	}

	if r.ID, err = primitive.ObjectIDFromHex(id); err != nil {
		return r, fmt.Errorf("%w: %w", ErrInvalidReceipt, err)
	}

	if r.Delivery, err = strconv.Atoi(delivery); err != nil {
		return r, fmt.Errorf("%w: %w", ErrInvalidReceipt, err)
	}

	return
}

// message documents are ready when reserved_until is in the past
//
// reserved_until is stored as unix nanoseconds so that readiness is a single integer comparison.
type message struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	Queue         string             `bson:"queue"`
	Body          []byte             `bson:"body"`
	ReservedUntil int64              `bson:"reserved_until"`
	Deliveries    int                `bson:"deliveries"`
	CreatedAt     time.Time          `bson:"created_at"`
}

type queueDoc struct {
	Name      string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// MongoBackend is a MongoDB-backed neodriver backend
//
// Each fetch atomically reserves the oldest ready message of a queue with findOneAndUpdate. Reserved messages are
// hidden for the visibility timeout and redelivered if they are not acknowledged before it elapses. MongoDB has no
// way to wait for a document, so waiting is emulated by polling.
//
// nolint: revive
type MongoBackend struct {
	config   *config.Config
	logger   logging.Logger
	client   *mongo.Client
	messages *mongo.Collection
	queues   *mongo.Collection
	now      func() time.Time
}

// Backend is a [config.BackendInitializer] that initializes a new MongoDB-backed neodriver backend
func Backend(ctx context.Context, opts ...config.Option) (backend types.Backend, err error) {
	c := config.New()
	for _, opt := range opts {
		opt(c)
	}

	if c.ConnectionString == "" {
		return nil, ErrCnxString
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.ConnectionString))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongodb: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("unable to reach mongodb: %w", err)
	}

	db := client.Database(c.Database)
	b := &MongoBackend{
		config:   c,
		logger:   slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel})),
		client:   client,
		messages: db.Collection(MessagesCollection),
		queues:   db.Collection(QueuesCollection),
		now:      time.Now,
	}

	_, err = b.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "queue", Value: 1}, {Key: "reserved_until", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("unable to create message index: %w", err)
	}

	return b, nil
}

// WithDatabase sets the database that holds neodriver's collections
func WithDatabase(database string) config.Option {
	return func(c *config.Config) {
		c.Database = database
	}
}

// Capability is poll-only
func (b *MongoBackend) Capability() types.Capability {
	return types.PollOnly{}
}

// Send inserts body at the tail of queue, creating queue if it does not exist
func (b *MongoBackend) Send(ctx context.Context, queue string, body []byte) (err error) {
	if err = b.Create(ctx, queue); err != nil {
		return
	}

	now := b.now()
	_, err = b.messages.InsertOne(ctx, message{
		Queue:         queue,
		Body:          body,
		ReservedUntil: 0,
		CreatedAt:     now.UTC(),
	})

	return
}

// FetchNonBlocking reserves the oldest ready message on queue
func (b *MongoBackend) FetchNonBlocking(ctx context.Context, queue string) (msg *messages.Message, err error) {
	now := b.now()
	filter := bson.M{"queue": queue, "reserved_until": bson.M{"$lte": now.UnixNano()}}
	update := bson.M{
		"$set": bson.M{"reserved_until": now.Add(b.config.VisibilityTimeout).UnixNano()},
		"$inc": bson.M{"deliveries": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc message
	err = b.messages.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if doc.Deliveries > 1 {
		b.logger.Debug("redelivering message", "queue", queue, "id", doc.ID.Hex(), "deliveries", doc.Deliveries)
	}

	return messages.New(doc.Body, Receipt{ID: doc.ID, Delivery: doc.Deliveries}), nil
}

// Acknowledge deletes a reserved message
//
// Receipts of earlier deliveries of a redelivered message acknowledge nothing.
func (b *MongoBackend) Acknowledge(ctx context.Context, queue string, receipt messages.Receipt) (err error) {
	r, ok := receipt.(Receipt)
	if !ok {
		return fmt.Errorf("%w: %T", ErrInvalidReceipt, receipt)
	}

	res, err := b.messages.DeleteOne(ctx, bson.M{"_id": r.ID, "queue": queue, "deliveries": r.Delivery})
	if err != nil {
		return
	}

	if res.DeletedCount == 0 {
		b.logger.Debug("acknowledged nothing, the message was redelivered or already acknowledged", "queue", queue, "receipt", r)
	}

	return nil
}

// Create records queue. Creating an existing queue does nothing.
func (b *MongoBackend) Create(ctx context.Context, queue string) (err error) {
	_, err = b.queues.UpdateOne(ctx,
		bson.M{"_id": queue},
		bson.M{"$setOnInsert": bson.M{"created_at": b.now().UTC()}},
		options.Update().SetUpsert(true))

	return
}

// Remove deletes queue and its messages
func (b *MongoBackend) Remove(ctx context.Context, queue string) (err error) {
	if _, err = b.messages.DeleteMany(ctx, bson.M{"queue": queue}); err != nil {
		return
	}

	_, err = b.queues.DeleteOne(ctx, bson.M{"_id": queue})
	return
}

// List lists queues sorted by name
func (b *MongoBackend) List(ctx context.Context) (queues []string, err error) {
	cursor, err := b.queues.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return
	}

	var docs []queueDoc
	if err = cursor.All(ctx, &docs); err != nil {
		return
	}

	queues = make([]string, 0, len(docs))
	for _, d := range docs {
		queues = append(queues, d.Name)
	}

	return
}

// Count returns the number of ready messages on queue
func (b *MongoBackend) Count(ctx context.Context, queue string) (count int64, err error) {
	return b.messages.CountDocuments(ctx, b.readyFilter(queue))
}

// Peek returns up to limit ready message bodies starting at offset, oldest first
func (b *MongoBackend) Peek(ctx context.Context, queue string, offset, limit int) (bodies [][]byte, err error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"body": 1})

	cursor, err := b.messages.Find(ctx, b.readyFilter(queue), opts)
	if err != nil {
		return
	}

	var docs []message
	if err = cursor.All(ctx, &docs); err != nil {
		return
	}

	bodies = make([][]byte, 0, len(docs))
	for _, d := range docs {
		bodies = append(bodies, d.Body)
	}

	return
}

// Info reports the database, message totals, and the visibility timeout
func (b *MongoBackend) Info(ctx context.Context) (info map[string]any, err error) {
	total, err := b.messages.CountDocuments(ctx, bson.M{})
	if err != nil {
		return
	}

	reserved, err := b.messages.CountDocuments(ctx, bson.M{"reserved_until": bson.M{"$gt": b.now().UnixNano()}})
	if err != nil {
		return
	}

	return map[string]any{
		"database":           b.config.Database,
		"messages":           total,
		"reserved":           reserved,
		"visibility_timeout": b.config.VisibilityTimeout.String(),
	}, nil
}

// SetLogger sets this backend's logger
func (b *MongoBackend) SetLogger(logger logging.Logger) {
	b.logger = logger
}

// Close disconnects from MongoDB
func (b *MongoBackend) Close(ctx context.Context) (err error) {
	return b.client.Disconnect(ctx)
}

func (b *MongoBackend) readyFilter(queue string) bson.M {
	return bson.M{"queue": queue, "reserved_until": bson.M{"$lte": b.now().UnixNano()}}
}
