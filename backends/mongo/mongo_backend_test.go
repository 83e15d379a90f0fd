package mongo_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/acaloiaro/neodriver"
	"github.com/acaloiaro/neodriver/backends/mongo"
	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestBackendRequiresConnectionString(t *testing.T) {
	_, err := neodriver.New(context.Background(), neodriver.WithBackend(mongo.Backend))
	assert.ErrorIs(t, err, mongo.ErrCnxString)
}

// MongoBackendTestSuite runs against a real server, e.g. TEST_MONGO_URL=mongodb://localhost:27017
//
// Every test uses its own database.
type MongoBackendTestSuite struct {
	suite.Suite
	ctx      context.Context
	database string
	nd       neodriver.Driver
}

func TestMongoBackend(t *testing.T) {
	if os.Getenv("TEST_MONGO_URL") == "" {
		t.Skip("Skipping: TEST_MONGO_URL not set")
		return
	}

	suite.Run(t, new(MongoBackendTestSuite))
}

func (s *MongoBackendTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.database = "neodriver_test_" + uuid.NewString()[:8]
	s.nd = s.newDriver(config.WithVisibilityTimeout(time.Minute))
}

func (s *MongoBackendTestSuite) TearDownTest() {
	backend, err := mongo.Backend(s.ctx, config.WithConnectionString(os.Getenv("TEST_MONGO_URL")), mongo.WithDatabase(s.database))
	if err == nil {
		for _, q := range []string{"testing", "a", "b"} {
			_ = backend.Remove(s.ctx, q)
		}
		_ = backend.Close(s.ctx)
	}

	s.nd.Shutdown(s.ctx)
}

func (s *MongoBackendTestSuite) newDriver(opts ...config.Option) neodriver.Driver {
	opts = append([]config.Option{
		neodriver.WithBackend(mongo.Backend),
		config.WithConnectionString(os.Getenv("TEST_MONGO_URL")),
		config.WithLogLevel(logging.LogLevelError),
		mongo.WithDatabase(s.database),
	}, opts...)

	nd, err := neodriver.New(s.ctx, opts...)
	s.Require().NoError(err)

	return nd
}

func (s *MongoBackendTestSuite) TestCapability() {
	info, err := s.nd.Info(s.ctx)
	s.Require().NoError(err)
	s.Equal(s.database, info["database"])

	backend, err := mongo.Backend(s.ctx, config.WithConnectionString(os.Getenv("TEST_MONGO_URL")), mongo.WithDatabase(s.database))
	s.Require().NoError(err)
	defer backend.Close(s.ctx)
	s.Equal(types.PollOnly{}, backend.Capability())
}

func (s *MongoBackendTestSuite) TestPushPopAcknowledge() {
	const queue = "testing"
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.nd.PushMessage(s.ctx, queue, []byte(fmt.Sprint(i))))
	}

	for i := 0; i < 3; i++ {
		msg, err := s.nd.PopMessage(s.ctx, queue, neodriver.WithTimeout(0))
		s.Require().NoError(err)
		s.Require().NotNil(msg)
		s.Equal(fmt.Sprint(i), string(msg.Body))
		s.Require().NoError(s.nd.AcknowledgeMessage(s.ctx, queue, msg.Receipt))
	}

	msg, err := s.nd.PopMessage(s.ctx, queue, neodriver.WithTimeout(0))
	s.Require().NoError(err)
	s.Nil(msg)

	info, err := s.nd.Info(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), info["messages"])

	err = s.nd.AcknowledgeMessage(s.ctx, queue, "not an object id")
	s.ErrorIs(err, mongo.ErrInvalidReceipt)
}

func (s *MongoBackendTestSuite) TestRedelivery() {
	const queue = "testing"
	nd := s.newDriver(config.WithVisibilityTimeout(100 * time.Millisecond))
	defer nd.Shutdown(s.ctx)

	s.Require().NoError(nd.PushMessage(s.ctx, queue, []byte("hello")))

	first, err := nd.PopMessage(s.ctx, queue, neodriver.WithTimeout(0))
	s.Require().NoError(err)
	s.Require().NotNil(first)

	count, err := nd.CountMessages(s.ctx, queue)
	s.Require().NoError(err)
	s.Zero(count)

	second, err := nd.PopMessage(s.ctx, queue, neodriver.WithTimeout(time.Second))
	s.Require().NoError(err)
	s.Require().NotNil(second)
	s.Equal("hello", string(second.Body))
	s.Equal(mongo.Receipt{ID: first.Receipt.(mongo.Receipt).ID, Delivery: 2}, second.Receipt)

	// the first consumer finishing late must not remove the message the second consumer holds
	s.Require().NoError(nd.AcknowledgeMessage(s.ctx, queue, first.Receipt))
	s.Require().NoError(nd.AcknowledgeMessage(s.ctx, queue, second.Receipt))

	info, err := nd.Info(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), info["messages"])
}

func (s *MongoBackendTestSuite) TestEarlierDeliveriesCannotAcknowledgeRedeliveries() {
	const queue = "testing"
	nd := s.newDriver(config.WithVisibilityTimeout(100 * time.Millisecond))
	defer nd.Shutdown(s.ctx)

	s.Require().NoError(nd.PushMessage(s.ctx, queue, []byte("slow")))

	first, err := nd.PopMessage(s.ctx, queue, neodriver.WithTimeout(0))
	s.Require().NoError(err)
	s.Require().NotNil(first)

	second, err := nd.PopMessage(s.ctx, queue, neodriver.WithTimeout(time.Second))
	s.Require().NoError(err)
	s.Require().NotNil(second)

	s.Require().NoError(nd.AcknowledgeMessage(s.ctx, queue, first.Receipt))

	info, err := nd.Info(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), info["messages"], "an earlier delivery's receipt must not delete the redelivered message")
}

func (s *MongoBackendTestSuite) TestWaitsForSends() {
	const queue = "testing"
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = s.nd.PushMessage(s.ctx, queue, []byte("late"))
	}()

	msg, err := s.nd.PopMessage(s.ctx, queue, neodriver.WithTimeout(3*time.Second))
	s.Require().NoError(err)
	s.Require().NotNil(msg)
	s.Equal("late", string(msg.Body))
}

func (s *MongoBackendTestSuite) TestConcurrentConsumersReceiveEachMessageOnce() {
	const (
		queue       = "testing"
		numMessages = 100
		workers     = 8
	)

	for i := 0; i < numMessages; i++ {
		s.Require().NoError(s.nd.PushMessage(s.ctx, queue, []byte(fmt.Sprint(i))))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := s.nd.PopMessage(s.ctx, queue, neodriver.WithTimeout(0))
				if err != nil || msg == nil {
					return
				}

				mu.Lock()
				seen[string(msg.Body)]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Len(seen, numMessages)
	for body, n := range seen {
		s.Equal(1, n, "message %s delivered %d times", body, n)
	}
}

func (s *MongoBackendTestSuite) TestQueueManagement() {
	s.Require().NoError(s.nd.CreateQueue(s.ctx, "b"))
	s.Require().NoError(s.nd.CreateQueue(s.ctx, "b"))
	s.Require().NoError(s.nd.PushMessage(s.ctx, "a", []byte("first")))
	s.Require().NoError(s.nd.PushMessage(s.ctx, "a", []byte("second")))
	s.Require().NoError(s.nd.PushMessage(s.ctx, "a", []byte("third")))

	queues, err := s.nd.ListQueues(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"a", "b"}, queues)

	bodies, err := s.nd.PeekQueue(s.ctx, "a", 1, 5)
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("second"), []byte("third")}, bodies)

	count, err := s.nd.CountMessages(s.ctx, "a")
	s.Require().NoError(err)
	s.Equal(int64(3), count)

	s.Require().NoError(s.nd.RemoveQueue(s.ctx, "a"))

	queues, err = s.nd.ListQueues(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"b"}, queues)

	count, err = s.nd.CountMessages(s.ctx, "a")
	s.Require().NoError(err)
	s.Zero(count)
}

func TestReceiptIdentifiesTheDelivery(t *testing.T) {
	url := os.Getenv("TEST_MONGO_URL")
	if url == "" {
		t.Skip("Skipping: TEST_MONGO_URL not set")
		return
	}

	ctx := context.Background()
	database := "neodriver_test_" + uuid.NewString()[:8]
	backend, err := mongo.Backend(ctx, config.WithConnectionString(url), mongo.WithDatabase(database))
	require.NoError(t, err)
	defer backend.Close(ctx)
	defer backend.Remove(ctx, "receipts")

	require.NoError(t, backend.Send(ctx, "receipts", []byte("hello")))
	msg, err := backend.(types.PollFetcher).FetchNonBlocking(ctx, "receipts")
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.IsType(t, mongo.Receipt{}, msg.Receipt)
	assert.Equal(t, 1, msg.Receipt.(mongo.Receipt).Delivery)
	assert.False(t, msg.Receipt.(mongo.Receipt).ID.IsZero())
}

func TestParseReceipt(t *testing.T) {
	want := mongo.Receipt{ID: primitive.NewObjectID(), Delivery: 2}

	got, err := mongo.ParseReceipt(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for _, raw := range []string{want.ID.Hex(), "zz.1", want.ID.Hex() + ".y"} {
		_, err = mongo.ParseReceipt(raw)
		assert.ErrorIs(t, err, mongo.ErrInvalidReceipt, raw)
	}
}
