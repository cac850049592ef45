package ratelimit

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// QuerySemaphore bounds the number of concurrently in-flight queries per
// client (spec §4.4 #3). Acquisition fetch-adds and checks against max;
// on failure it fetch-subs back out rather than leaving the count
// elevated.
type QuerySemaphore struct {
	mu     sync.Mutex
	counts map[uuid.UUID]*int32
	max    int32
}

func NewQuerySemaphore(max int) *QuerySemaphore {
	return &QuerySemaphore{counts: make(map[uuid.UUID]*int32), max: int32(max)}
}

// Guard releases the acquired permit; callers defer it immediately after a
// successful Acquire.
type Guard struct {
	counter *int32
}

func (g *Guard) Release() {
	if g.counter != nil {
		atomic.AddInt32(g.counter, -1)
	}
}

// Acquire attempts to reserve one of client's concurrent-query slots. It
// returns ok=false without side effects on the counter if the client is
// already at its cap.
func (s *QuerySemaphore) Acquire(client uuid.UUID) (*Guard, bool) {
	counter := s.counterFor(client)

	if s.max > 0 {
		n := atomic.AddInt32(counter, 1)
		if n > s.max {
			atomic.AddInt32(counter, -1)
			return nil, false
		}
	}

	return &Guard{counter: counter}, true
}

func (s *QuerySemaphore) counterFor(client uuid.UUID) *int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counts[client]
	if !ok {
		var zero int32
		c = &zero
		s.counts[client] = c
	}

	return c
}
