package agents

import (
	"sort"
	"sync"
)

// Barrier is a countdown that releases once a fixed number of distinct
// identities have arrived. Repeated arrivals of the same identity count once.
type Barrier struct {
	need int
	mu   sync.Mutex
	seen map[string]struct{}
	done chan struct{}
}

// NewBarrier returns a barrier waiting for need identities.
func NewBarrier(need int) *Barrier {
	b := &Barrier{
		need: need,
		seen: make(map[string]struct{}),
		done: make(chan struct{}),
	}
	if need <= 0 {
		close(b.done)
	}
	return b
}

// Arrive records name and returns the number of distinct arrivals so far.
// released is true only for the arrival that opened the barrier.
func (b *Barrier) Arrive(name string) (count int, released bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.seen[name]; ok {
		return len(b.seen), false
	}
	b.seen[name] = struct{}{}
	if len(b.seen) == b.need {
		close(b.done)
		return len(b.seen), true
	}
	return len(b.seen), false
}

// Done is closed once the barrier is open.
func (b *Barrier) Done() <-chan struct{} { return b.done }

// Count returns the number of distinct arrivals.
func (b *Barrier) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

// Members returns every identity that has arrived, sorted.
func (b *Barrier) Members() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.seen))
	for name := range b.seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
