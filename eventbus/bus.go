package eventbus

import (
	"sync"
	"sync/atomic"
)

// Handler receives the payload of an emitted event.
type Handler[T any] func(T)

// Token identifies one subscription. It is the key used by Off.
type Token uint64

// Bus is a publish/subscribe table keyed by event name.
// The zero value is not usable; call New.
type Bus[T any] struct {
	mu    sync.Mutex
	ons   map[string]map[Token]Handler[T]
	onces map[string]map[Token]Handler[T]

	next atomic.Uint64
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		ons:   make(map[string]map[Token]Handler[T]),
		onces: make(map[string]map[Token]Handler[T]),
	}
}

// On subscribes fn to every emission of event.
func (b *Bus[T]) On(event string, fn Handler[T]) Token {
	tok := Token(b.next.Add(1))
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.ons[event]
	if !ok {
		set = make(map[Token]Handler[T])
		b.ons[event] = set
	}
	set[tok] = fn
	return tok
}

// Once subscribes fn to the next emission of event only.
func (b *Bus[T]) Once(event string, fn Handler[T]) Token {
	tok := Token(b.next.Add(1))
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.onces[event]
	if !ok {
		set = make(map[Token]Handler[T])
		b.onces[event] = set
	}
	set[tok] = fn
	return tok
}

// Off removes the subscription identified by tok from event, whichever
// table holds it. Removing an unknown subscription is a no-op.
func (b *Bus[T]) Off(event string, tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.onces[event]; ok {
		delete(set, tok)
		if len(set) == 0 {
			delete(b.onces, event)
		}
	}
	if set, ok := b.ons[event]; ok {
		delete(set, tok)
		if len(set) == 0 {
			delete(b.ons, event)
		}
	}
}

// Emit invokes every one-shot subscriber of event, removes them, then
// invokes every persistent subscriber. It returns the number of handlers
// invoked.
func (b *Bus[T]) Emit(event string, data T) int {
	b.mu.Lock()
	onces := b.onces[event]
	delete(b.onces, event)
	ons := make([]Handler[T], 0, len(b.ons[event]))
	for _, fn := range b.ons[event] {
		ons = append(ons, fn)
	}
	b.mu.Unlock()

	for _, fn := range onces {
		fn(data)
	}
	for _, fn := range ons {
		fn(data)
	}
	return len(onces) + len(ons)
}

// Len returns the number of persistent and one-shot subscribers of event.
func (b *Bus[T]) Len(event string) (persistent, oneShot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ons[event]), len(b.onces[event])
}
