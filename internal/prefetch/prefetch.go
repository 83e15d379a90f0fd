// Package prefetch holds messages that were fetched from a backend ahead of demand.
package prefetch

import (
	"sync"

	"github.com/acaloiaro/neodriver/messages"
	"github.com/gammazero/deque"
)

// Buffer maps queue names to FIFOs of messages that have been reserved from a backend but not yet delivered
//
// Items are delivered in exactly the order they were appended; the buffer never reorders, deduplicates, or drops
// them. Operations on one queue are serialized by that queue's mutex; different queues never contend.
type Buffer struct {
	mu     *sync.RWMutex // protects the queues map, not the fifos it holds
	queues map[string]*fifo
}

type fifo struct {
	mu    sync.Mutex
	items deque.Deque[*messages.Message]
}

// New creates an empty Buffer
func New() *Buffer {
	return &Buffer{
		mu:     &sync.RWMutex{},
		queues: make(map[string]*fifo),
	}
}

// TryTakeNext removes and returns the front message for queue, if there is one
func (b *Buffer) TryTakeNext(queue string) (msg *messages.Message, ok bool) {
	f := b.lookup(queue)
	if f == nil {
		return nil, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.items.Len() == 0 {
		return nil, false
	}

	return f.items.PopFront(), true
}

// AppendAll appends msgs to the tail of queue's FIFO in the order given
func (b *Buffer) AppendAll(queue string, msgs []*messages.Message) {
	if len(msgs) == 0 {
		return
	}

	f := b.lookupOrCreate(queue)
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range msgs {
		f.items.PushBack(m)
	}
}

// Len returns the number of messages buffered for queue
func (b *Buffer) Len(queue string) int {
	f := b.lookup(queue)
	if f == nil {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.items.Len()
}

// Sizes returns the number of buffered messages for every queue that has any
func (b *Buffer) Sizes() (sizes map[string]int) {
	sizes = make(map[string]int)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for queue, f := range b.queues {
		f.mu.Lock()
		if n := f.items.Len(); n > 0 {
			sizes[queue] = n
		}
		f.mu.Unlock()
	}

	return
}

func (b *Buffer) lookup(queue string) *fifo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.queues[queue]
}

func (b *Buffer) lookupOrCreate(queue string) (f *fifo) {
	if f = b.lookup(queue); f != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// another goroutine may have created it between the read and write locks
	if f = b.queues[queue]; f != nil {
		return
	}

	f = &fifo{}
	b.queues[queue] = f

	return
}
