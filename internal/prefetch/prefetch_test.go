package prefetch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/acaloiaro/neodriver/messages"
)

func msgs(prefix string, n int) (out []*messages.Message) {
	for i := 0; i < n; i++ {
		out = append(out, messages.New([]byte(fmt.Sprintf("%s-%d", prefix, i)), i))
	}
	return
}

func TestTryTakeNextEmpty(t *testing.T) {
	b := New()

	if m, ok := b.TryTakeNext("unknown"); ok || m != nil {
		t.Fatalf("expected nothing from an unknown queue, got %v", m)
	}

	b.AppendAll("q", nil)
	if b.Len("q") != 0 {
		t.Fatal("appending nothing should leave the queue empty")
	}
}

func TestFIFOOrder(t *testing.T) {
	b := New()
	b.AppendAll("q", msgs("a", 3))
	b.AppendAll("q", msgs("b", 2))

	want := []string{"a-0", "a-1", "a-2", "b-0", "b-1"}
	for _, w := range want {
		m, ok := b.TryTakeNext("q")
		if !ok {
			t.Fatalf("expected %s, buffer was empty", w)
		}

		if string(m.Body) != w {
			t.Fatalf("got %s, want %s", m.Body, w)
		}
	}

	if _, ok := b.TryTakeNext("q"); ok {
		t.Fatal("buffer should be drained")
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	b := New()
	b.AppendAll("q1", msgs("one", 1))
	b.AppendAll("q2", msgs("two", 2))

	if b.Len("q1") != 1 || b.Len("q2") != 2 {
		t.Fatalf("unexpected lengths %d/%d", b.Len("q1"), b.Len("q2"))
	}

	m, _ := b.TryTakeNext("q2")
	if string(m.Body) != "two-0" {
		t.Fatalf("got %s from q2", m.Body)
	}

	sizes := b.Sizes()
	if sizes["q1"] != 1 || sizes["q2"] != 1 {
		t.Fatalf("unexpected sizes %v", sizes)
	}
}

// TestConcurrentTakeDeliversExactlyOnce drains a shared buffer from many goroutines and checks that every message
// goes to exactly one taker.
func TestConcurrentTakeDeliversExactlyOnce(t *testing.T) {
	const total = 1000
	b := New()
	b.AppendAll("q", msgs("m", total))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, ok := b.TryTakeNext("q")
				if !ok {
					return
				}

				mu.Lock()
				seen[string(m.Body)]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct messages, got %d", total, len(seen))
	}

	for body, n := range seen {
		if n != 1 {
			t.Errorf("%s delivered %d times", body, n)
		}
	}
}
