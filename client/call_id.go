package client

import (
	"fmt"
	"sync"
)

const (
	// correlationPrefix namespaces every correlation id this client issues.
	correlationPrefix = "meshctrl"

	// correlationModulus is where the id counter wraps.
	correlationModulus = 1<<32 - 1
)

// correlationIDs issues the tag/responseid values that match a control
// channel response to its request, and tracks which are still in flight.
// An id is never handed out while a request carrying it is outstanding.
type correlationIDs struct {
	mu       sync.Mutex
	counter  uint64
	inflight map[string]struct{}
}

func newCorrelationIDs() *correlationIDs {
	return &correlationIDs{inflight: make(map[string]struct{})}
}

// Next returns a fresh id scoped by name and registers it as in flight.
func (c *correlationIDs) Next(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		c.counter = (c.counter + 1) % correlationModulus
		id := fmt.Sprintf("%s_%s_%d", correlationPrefix, name, c.counter)
		if _, busy := c.inflight[id]; !busy {
			c.inflight[id] = struct{}{}
			return id
		}
	}
}

// Release removes id from the in-flight set. Unknown ids are ignored.
func (c *correlationIDs) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// InFlight returns a snapshot of the outstanding ids.
func (c *correlationIDs) InFlight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of outstanding ids.
func (c *correlationIDs) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// set positions the counter, so the next id uses val+1 (tests only).
func (c *correlationIDs) set(val uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter = val % correlationModulus
}
