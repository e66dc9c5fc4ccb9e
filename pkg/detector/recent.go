package detector

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

type seen struct {
	key string
	at  time.Time
}

// recent suppresses repeat observations of the same (identity, session) pair
// inside a short interval. It is a latency optimisation only: losing it costs
// an extra idempotent touch, never correctness.
type recent struct {
	mu       sync.Mutex
	interval time.Duration
	capacity int
	order    deque.Deque
	last     map[string]time.Time
}

func newRecent(interval time.Duration, capacity int) *recent {
	return &recent{
		interval: interval,
		capacity: capacity,
		last:     make(map[string]time.Time),
	}
}

// admit reports whether key should be dispatched at now, recording it if so.
func (r *recent) admit(key string, now time.Time) bool {
	if r.interval <= 0 || r.capacity == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if at, ok := r.last[key]; ok && now.Sub(at) < r.interval {
		return false
	}
	r.last[key] = now
	r.order.PushBack(seen{key: key, at: now})
	for r.order.Len() > r.capacity {
		r.evict()
	}
	return true
}

// prune drops entries older than the interval and returns how many went.
func (r *recent) prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for r.order.Len() > 0 {
		front := r.order.Front().(seen)
		if now.Sub(front.at) < r.interval {
			break
		}
		r.evict()
		n++
	}
	return n
}

// evict must be called with mu held.
func (r *recent) evict() {
	s := r.order.PopFront().(seen)
	if at, ok := r.last[s.key]; ok && at.Equal(s.at) {
		delete(r.last, s.key)
	}
}

func (r *recent) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.last)
}
