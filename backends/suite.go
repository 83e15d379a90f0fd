package backends

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acaloiaro/neodriver"
	"github.com/acaloiaro/neodriver/handler"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
)

// DriverTestSuite verifies the behavior every backend shares, through the Driver API
//
// Each test runs against its own uniquely named queues, which are removed afterwards.
type DriverTestSuite struct {
	suite.Suite
	Driver neodriver.Driver
	// Peek is false for backends that cannot read messages without delivering them
	Peek bool

	queue string
}

// NewDriverTestSuite constructs a new suite that can be used to test any backend
func NewDriverTestSuite(nd neodriver.Driver, peek bool) *DriverTestSuite {
	return &DriverTestSuite{Driver: nd, Peek: peek}
}

func (s *DriverTestSuite) SetupTest() {
	s.queue = "suite-" + uuid.NewString()
}

func (s *DriverTestSuite) TearDownTest() {
	ctx := context.Background()
	for _, q := range []string{s.queue, s.other()} {
		if err := s.Driver.RemoveQueue(ctx, q); err != nil {
			s.T().Logf("unable to remove queue %s: %v", q, err)
		}
	}
}

func (s *DriverTestSuite) TearDownSuite() {
	s.Driver.Shutdown(context.Background())
}

func (s *DriverTestSuite) other() string {
	return s.queue + "-other"
}

func (s *DriverTestSuite) push(queue string, bodies ...string) {
	for _, body := range bodies {
		s.Require().NoError(s.Driver.PushMessage(context.Background(), queue, []byte(body)))
	}
}

// pop pops one message with the given timeout and acknowledges it
func (s *DriverTestSuite) pop(queue string, timeout time.Duration) *messages.Message {
	ctx := context.Background()
	msg, err := s.Driver.PopMessage(ctx, queue, neodriver.WithTimeout(timeout))
	s.Require().NoError(err)

	if msg != nil {
		s.Require().NoError(s.Driver.AcknowledgeMessage(ctx, queue, msg.Receipt))
	}

	return msg
}

func (s *DriverTestSuite) TestPopIsFIFO() {
	s.push(s.queue, "1", "2", "3", "4", "5")

	for _, want := range []string{"1", "2", "3", "4", "5"} {
		msg := s.pop(s.queue, 0)
		s.Require().NotNil(msg, "expected message %s", want)
		s.Equal(want, string(msg.Body))
	}

	s.Nil(s.pop(s.queue, 0))
}

func (s *DriverTestSuite) TestPopEmptyQueue() {
	start := time.Now()
	s.Nil(s.pop(s.queue, 0))
	s.Nil(s.pop(s.queue, 200*time.Millisecond))
	s.Less(time.Since(start), 2*time.Second)
}

func (s *DriverTestSuite) TestPopWaitsForPush() {
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := s.Driver.PushMessage(context.Background(), s.queue, []byte("late")); err != nil {
			s.T().Error(err)
		}
	}()

	msg := s.pop(s.queue, 3*time.Second)
	s.Require().NotNil(msg)
	s.Equal("late", string(msg.Body))
}

func (s *DriverTestSuite) TestPopHonorsCancellation() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	msg, err := s.Driver.PopMessage(ctx, s.queue, neodriver.WithTimeout(5*time.Second))
	s.Nil(msg)
	s.True(errors.Is(err, context.DeadlineExceeded), "expected deadline exceeded, got %v", err)
}

func (s *DriverTestSuite) TestAcknowledgedMessagesAreGone() {
	s.push(s.queue, "hello")

	s.Require().NotNil(s.pop(s.queue, 0))
	s.Nil(s.pop(s.queue, 0))

	count, err := s.Driver.CountMessages(context.Background(), s.queue)
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *DriverTestSuite) TestQueuesAreIsolated() {
	s.push(s.queue, "mine")
	s.push(s.other(), "theirs")

	msg := s.pop(s.other(), 0)
	s.Require().NotNil(msg)
	s.Equal("theirs", string(msg.Body))

	msg = s.pop(s.queue, 0)
	s.Require().NotNil(msg)
	s.Equal("mine", string(msg.Body))
}

func (s *DriverTestSuite) TestCount() {
	s.push(s.queue, "a", "b", "c")

	count, err := s.Driver.CountMessages(context.Background(), s.queue)
	s.Require().NoError(err)
	s.Equal(int64(3), count)
}

func (s *DriverTestSuite) TestPeekDoesNotConsume() {
	if !s.Peek {
		s.T().Skip("backend cannot peek")
	}

	ctx := context.Background()
	s.push(s.queue, "a", "b", "c")

	bodies, err := s.Driver.PeekQueue(ctx, s.queue, 1, 10)
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("b"), []byte("c")}, bodies)

	bodies, err = s.Driver.PeekQueue(ctx, s.queue, 5, 10)
	s.Require().NoError(err)
	s.Empty(bodies)

	count, err := s.Driver.CountMessages(ctx, s.queue)
	s.Require().NoError(err)
	s.Equal(int64(3), count)
}

func (s *DriverTestSuite) TestQueueManagement() {
	ctx := context.Background()
	s.Require().NoError(s.Driver.CreateQueue(ctx, s.queue))
	s.Require().NoError(s.Driver.CreateQueue(ctx, s.queue))

	queues, err := s.Driver.ListQueues(ctx)
	s.Require().NoError(err)
	s.Contains(queues, s.queue)

	s.push(s.queue, "doomed")
	s.Require().NoError(s.Driver.RemoveQueue(ctx, s.queue))

	queues, err = s.Driver.ListQueues(ctx)
	s.Require().NoError(err)
	s.NotContains(queues, s.queue)
	s.Nil(s.pop(s.queue, 0))
}

func (s *DriverTestSuite) TestEmptyQueueName() {
	ctx := context.Background()
	s.ErrorIs(s.Driver.PushMessage(ctx, "", []byte("hello")), messages.ErrNoQueueSpecified)

	_, err := s.Driver.PopMessage(ctx, "")
	s.ErrorIs(err, messages.ErrNoQueueSpecified)

	_, err = s.Driver.CountMessages(ctx, "")
	s.ErrorIs(err, messages.ErrNoQueueSpecified)
}

func (s *DriverTestSuite) TestInfo() {
	info, err := s.Driver.Info(context.Background())
	s.Require().NoError(err)
	s.NotNil(info)
}

func (s *DriverTestSuite) TestConsume() {
	const numMessages = 20

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)

	done := make(chan bool, numMessages)
	h := handler.New(func(ctx context.Context) (err error) {
		msg, err := handler.MessageFromContext(ctx)
		if err != nil {
			return
		}

		mu.Lock()
		seen[string(msg.Body)]++
		mu.Unlock()

		done <- true
		return
	}, handler.Concurrency(4), handler.PopTimeout(100*time.Millisecond))

	consumed := make(chan error, 1)
	go func() { consumed <- s.Driver.Consume(ctx, s.queue, h) }()

	for i := 0; i < numMessages; i++ {
		s.push(s.queue, fmt.Sprint(i))
	}

	timeout := time.After(10 * time.Second)
	for i := 0; i < numMessages; i++ {
		select {
		case <-done:
		case <-timeout:
			s.FailNow("timed out waiting for messages", "processed %d of %d", i, numMessages)
		}
	}

	cancel()
	s.Require().NoError(<-consumed)

	mu.Lock()
	defer mu.Unlock()
	s.Len(seen, numMessages)
	for body, n := range seen {
		s.Equal(1, n, "message %s processed %d times", body, n)
	}
}
