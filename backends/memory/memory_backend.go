package memory

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/acaloiaro/neodriver/config"
	"github.com/acaloiaro/neodriver/logging"
	"github.com/acaloiaro/neodriver/messages"
	"github.com/acaloiaro/neodriver/types"
	"github.com/google/uuid"
	"github.com/robfig/cron"
	"golang.org/x/exp/slog"
)

const (
	// how often expired reservations are returned to their queues
	requeueSpec = "@every 1s"
)

var ErrBackendClosed = errors.New("memory backend is closed")

// MemBackend is a memory-backed neodriver backend
//
// MemBackend supports every capability: it waits natively by default, and reserves or polls when configured to with
// [config.WithCapability]. Popped messages stay reserved until they are acknowledged, and return to the front of
// their queue once the visibility timeout passes.
type MemBackend struct {
	config     *config.Config
	logger     logging.Logger
	capability types.Capability
	cron       *cron.Cron
	mu         *sync.Mutex // protects queues, closed and reservations
	queues     map[string]*memQueue
	closed     bool
	reserved   uint64 // the number of reservations made so far
}

type memQueue struct {
	declared bool // false for queues that were waited on but never created or sent to
	ready    [][]byte
	reserved map[string]reservation
	arrived  chan struct{} // closed and replaced whenever messages become ready
}

type reservation struct {
	body      []byte
	expiresAt time.Time
	seq       uint64
}

// Backend is a [config.BackendInitializer] that initializes a new memory-backed neodriver backend
func Backend(_ context.Context, opts ...config.Option) (backend types.Backend, err error) {
	mb := &MemBackend{
		config: config.New(),
		cron:   cron.New(),
		mu:     &sync.Mutex{},
		queues: make(map[string]*memQueue),
	}

	for _, opt := range opts {
		opt(mb.config)
	}

	mb.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: mb.config.LogLevel}))

	switch c := mb.config.Capability.(type) {
	case nil:
		mb.capability = types.NativeBlockingWait{}
	case types.BatchReserve:
		if c.Size <= 0 {
			c.Size = mb.config.Prefetch
		}
		mb.capability = c
	default:
		mb.capability = c
	}

	err = mb.cron.AddFunc(requeueSpec, func() { mb.requeueExpired(time.Now()) })
	if err != nil {
		return
	}
	mb.cron.Start()

	backend = mb

	return
}

// Capability is the capability configured with [config.WithCapability], native blocking waits by default
func (m *MemBackend) Capability() types.Capability {
	return m.capability
}

// Send appends a message to queue, creating the queue if it does not exist
func (m *MemBackend) Send(_ context.Context, queue string, body []byte) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrBackendClosed
	}

	q := m.queue(queue)
	q.declared = true
	q.ready = append(q.ready, body)
	q.signal()

	return
}

// FetchBlocking waits up to timeout for a message on queue
func (m *MemBackend) FetchBlocking(ctx context.Context, queue string, timeout time.Duration) (msg *messages.Message, err error) {
	msgs, err := m.wait(ctx, queue, 1, timeout)
	if len(msgs) > 0 {
		msg = msgs[0]
	}

	return
}

// ReserveBatch waits up to timeout for messages on queue and reserves up to n of them
func (m *MemBackend) ReserveBatch(ctx context.Context, queue string, n int, timeout time.Duration) (msgs []*messages.Message, err error) {
	return m.wait(ctx, queue, n, timeout)
}

// FetchNonBlocking reserves the next message on queue if there is one
func (m *MemBackend) FetchNonBlocking(_ context.Context, queue string) (msg *messages.Message, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrBackendClosed
	}

	if msgs := m.take(queue, 1, time.Now()); len(msgs) > 0 {
		msg = msgs[0]
	}

	return
}

// Acknowledge removes a reserved message for good. Unknown and expired receipts are ignored.
func (m *MemBackend) Acknowledge(_ context.Context, queue string, receipt messages.Receipt) (err error) {
	id, ok := receipt.(string)
	if !ok {
		m.logger.Debug("ignoring acknowledgement with a foreign receipt", "queue", queue, "receipt", receipt)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[queue]; ok {
		delete(q.reserved, id)
	}

	return
}

// Create creates queue
func (m *MemBackend) Create(_ context.Context, queue string) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue(queue).declared = true

	return
}

// Remove removes queue, its waiting messages and its reservations
func (m *MemBackend) Remove(_ context.Context, queue string) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[queue]; ok {
		// wake waiters so that they stop watching the removed queue
		q.signal()
		delete(m.queues, queue)
	}

	return
}

// List lists the queues that were created or sent to, sorted by name
func (m *MemBackend) List(_ context.Context) (queues []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queues = []string{}
	for name, q := range m.queues {
		if q.declared {
			queues = append(queues, name)
		}
	}
	sort.Strings(queues)

	return
}

// Count counts the messages waiting on queue; reserved messages are not counted
func (m *MemBackend) Count(_ context.Context, queue string) (count int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requeueQueue(queue, time.Now())
	if q, ok := m.queues[queue]; ok {
		count = int64(len(q.ready))
	}

	return
}

// Peek returns up to limit waiting message bodies starting at offset
func (m *MemBackend) Peek(_ context.Context, queue string, offset, limit int) (bodies [][]byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bodies = [][]byte{}
	q, ok := m.queues[queue]
	if !ok || offset >= len(q.ready) {
		return
	}

	end := min(offset+limit, len(q.ready))
	for _, body := range q.ready[offset:end] {
		bodies = append(bodies, append([]byte(nil), body...))
	}

	return
}

// Info reports the backend's capability and how many messages are waiting and reserved
func (m *MemBackend) Info(_ context.Context) (info map[string]any, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready, reserved int
	for _, q := range m.queues {
		ready += len(q.ready)
		reserved += len(q.reserved)
	}

	info = map[string]any{
		"capability": m.capability.String(),
		"queues":     len(m.queues),
		"ready":      ready,
		"reserved":   reserved,
	}

	return
}

// SetLogger sets this backend's logger
func (m *MemBackend) SetLogger(logger logging.Logger) {
	m.logger = logger
}

// Close stops the requeue schedule. Messages are lost once the backend is garbage collected.
func (m *MemBackend) Close(_ context.Context) (err error) {
	m.cron.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, q := range m.queues {
		q.signal()
	}

	return
}

// wait reserves up to n messages from queue, waiting up to timeout for the first one to arrive
func (m *MemBackend) wait(ctx context.Context, queue string, n int, timeout time.Duration) (msgs []*messages.Message, err error) {
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrBackendClosed
		}

		now := time.Now()
		if msgs = m.take(queue, n, now); len(msgs) > 0 {
			m.mu.Unlock()
			return
		}

		arrived := m.queue(queue).arrived
		m.mu.Unlock()

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-arrived:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take reserves up to n ready messages from queue. m.mu must be held.
func (m *MemBackend) take(queue string, n int, now time.Time) (msgs []*messages.Message) {
	m.requeueQueue(queue, now)

	q, ok := m.queues[queue]
	if !ok || len(q.ready) == 0 {
		return
	}

	n = min(n, len(q.ready))
	for _, body := range q.ready[:n] {
		receipt := uuid.NewString()
		m.reserved++
		q.reserved[receipt] = reservation{body: body, expiresAt: now.Add(m.config.VisibilityTimeout), seq: m.reserved}
		msgs = append(msgs, messages.New(body, receipt))
	}
	q.ready = q.ready[n:]

	return
}

// queue returns the named queue, creating an undeclared one if necessary. m.mu must be held.
func (m *MemBackend) queue(name string) (q *memQueue) {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{reserved: make(map[string]reservation), arrived: make(chan struct{})}
		m.queues[name] = q
	}

	return
}

func (m *MemBackend) requeueExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name := range m.queues {
		m.requeueQueue(name, now)
	}
}

// requeueQueue returns expired reservations to the front of queue, oldest first. m.mu must be held.
func (m *MemBackend) requeueQueue(queue string, now time.Time) {
	q, ok := m.queues[queue]
	if !ok || len(q.reserved) == 0 {
		return
	}

	var expired []reservation
	for receipt, r := range q.reserved {
		if !now.Before(r.expiresAt) {
			expired = append(expired, r)
			delete(q.reserved, receipt)
		}
	}

	if len(expired) == 0 {
		return
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })

	bodies := make([][]byte, 0, len(expired)+len(q.ready))
	for _, r := range expired {
		bodies = append(bodies, r.body)
	}
	q.ready = append(bodies, q.ready...)
	q.signal()

	m.logger.Debug("requeued expired reservations", "queue", queue, "count", len(expired))
}

func (q *memQueue) signal() {
	close(q.arrived)
	q.arrived = make(chan struct{})
}
