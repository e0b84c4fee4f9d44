package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/smnsjas/go-meshctrl"
)

// actionPermits holds one single-permit semaphore per action name. Replies
// to action-keyed commands carry no correlation id, so two outstanding
// calls of the same action would race for one reply; callers queue here
// instead.
type actionPermits struct {
	mu   sync.Mutex
	sems map[string]*actionSemaphore
}

type actionSemaphore struct {
	sem    chan struct{}
	queued atomic.Int32
}

func newActionPermits() *actionPermits {
	return &actionPermits{sems: make(map[string]*actionSemaphore)}
}

func (p *actionPermits) get(action string) *actionSemaphore {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[action]
	if !ok {
		s = &actionSemaphore{sem: make(chan struct{}, 1)}
		p.sems[action] = s
	}
	return s
}

// Acquire blocks until no other call of action is outstanding. The returned
// release func must be called exactly once.
func (p *actionPermits) Acquire(ctx context.Context, action string) (func(), error) {
	s := p.get(action)

	select {
	case s.sem <- struct{}{}:
		return s.release, nil
	default:
	}

	s.queued.Add(1)
	defer s.queued.Add(-1)

	select {
	case s.sem <- struct{}{}:
		return s.release, nil
	case <-ctx.Done():
		return nil, meshctrl.Timeout("wait for "+action+" permit", ctx.Err())
	}
}

func (s *actionSemaphore) release() {
	select {
	case <-s.sem:
	default:
	}
}

// Stats reports whether a call of action is outstanding and how many wait.
func (p *actionPermits) Stats(action string) (active bool, queued int) {
	s := p.get(action)
	return len(s.sem) == 1, int(s.queued.Load())
}
