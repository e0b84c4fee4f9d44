package client

import (
	"context"
	"sync"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/eventbus"
)

// eventBuffer is the capacity of channels returned by Events.
const eventBuffer = 64

// ListenToEvents calls fn for every server event ("event", "msg" and
// "interuser" frames) that deep-matches filter; see meshctrl.Match. A nil
// filter matches everything. fn runs on the receive loop and must not
// block. The returned token stops the subscription.
func (s *Session) ListenToEvents(fn func(meshctrl.Message), filter meshctrl.Message) eventbus.Token {
	return s.bus.On(topicServerEvent, func(r reply) {
		if meshctrl.Match(r.msg, filter) {
			fn(r.msg)
		}
	})
}

// StopListeningToEvents removes a subscription made by ListenToEvents.
// Unknown tokens are ignored.
func (s *Session) StopListeningToEvents(tok eventbus.Token) {
	s.bus.Off(topicServerEvent, tok)
}

// Events streams matching server events until ctx is done or the session
// terminates, then closes the channel. Events that arrive while the
// channel is full are dropped.
func (s *Session) Events(ctx context.Context, filter meshctrl.Message) <-chan meshctrl.Message {
	ch := make(chan meshctrl.Message, eventBuffer)

	var mu sync.Mutex
	closed := false
	tok := s.ListenToEvents(func(m meshctrl.Message) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- m:
		default:
			s.logger.Warn("event channel full, dropping event", "action", m.Action())
		}
	}, filter)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.mgr.Terminated():
		}
		s.StopListeningToEvents(tok)
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// OnClose calls fn once with the terminal error when the control channel
// closes or fails. If that already happened, fn runs immediately.
func (s *Session) OnClose(fn func(err error)) eventbus.Token {
	var once sync.Once
	call := func(err error) { once.Do(func() { fn(err) }) }

	tok := s.bus.Once(topicClosed, func(r reply) { call(r.err) })
	select {
	case <-s.mgr.Terminated():
		s.bus.Off(topicClosed, tok)
		call(s.mgr.Err())
	default:
	}
	return tok
}
