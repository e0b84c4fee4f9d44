package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitInvokesEverySubscriberOnce(t *testing.T) {
	b := New[string]()

	var persistent, oneShot []string
	b.On("evt", func(s string) { persistent = append(persistent, "a:"+s) })
	b.On("evt", func(s string) { persistent = append(persistent, "b:"+s) })
	b.Once("evt", func(s string) { oneShot = append(oneShot, "c:"+s) })
	b.Once("evt", func(s string) { oneShot = append(oneShot, "d:"+s) })

	n := b.Emit("evt", "x")
	assert.Equal(t, 4, n)
	assert.ElementsMatch(t, []string{"a:x", "b:x"}, persistent)
	assert.ElementsMatch(t, []string{"c:x", "d:x"}, oneShot)

	ons, onces := b.Len("evt")
	assert.Equal(t, 2, ons, "persistent subscribers survive emission")
	assert.Equal(t, 0, onces, "one-shot set is drained")

	n = b.Emit("evt", "y")
	assert.Equal(t, 2, n)
	assert.Len(t, oneShot, 2)
	assert.Len(t, persistent, 4)
}

func TestBus_OffBeforeEmit(t *testing.T) {
	tests := []struct {
		name string
		sub  func(b *Bus[int], fn Handler[int]) Token
	}{
		{name: "persistent", sub: func(b *Bus[int], fn Handler[int]) Token { return b.On("e", fn) }},
		{name: "one-shot", sub: func(b *Bus[int], fn Handler[int]) Token { return b.Once("e", fn) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New[int]()
			called := false
			tok := tt.sub(b, func(int) { called = true })
			b.Off("e", tok)
			b.Emit("e", 1)
			assert.False(t, called)
		})
	}
}

func TestBus_OffUnknownIsNoop(t *testing.T) {
	b := New[int]()
	require.NotPanics(t, func() {
		b.Off("missing", Token(42))
	})

	tok := b.On("e", func(int) {})
	b.Off("e", tok)
	b.Off("e", tok)
	ons, onces := b.Len("e")
	assert.Zero(t, ons)
	assert.Zero(t, onces)
}

func TestBus_EventsAreIndependent(t *testing.T) {
	b := New[int]()
	var got []int
	b.Once("a", func(v int) { got = append(got, v) })
	b.Once("b", func(v int) { got = append(got, v*10) })

	b.Emit("a", 1)
	assert.Equal(t, []int{1}, got)
	_, onces := b.Len("b")
	assert.Equal(t, 1, onces, "emitting a must not drain b")
}

func TestBus_HandlerMayUnsubscribe(t *testing.T) {
	b := New[int]()
	var tok Token
	calls := 0
	tok = b.On("e", func(int) {
		calls++
		b.Off("e", tok)
	})

	b.Emit("e", 1)
	b.Emit("e", 2)
	assert.Equal(t, 1, calls)
}

func TestBus_OnceResubscribeFromHandler(t *testing.T) {
	b := New[int]()
	var seen []int
	var handler Handler[int]
	handler = func(v int) {
		seen = append(seen, v)
		b.Once("e", handler)
	}
	b.Once("e", handler)

	b.Emit("e", 1)
	b.Emit("e", 2)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestBus_Concurrent(t *testing.T) {
	b := New[int]()
	var mu sync.Mutex
	total := 0
	b.On("e", func(v int) {
		mu.Lock()
		total += v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := b.Once("e", func(int) {})
			b.Off("e", tok)
			b.Emit("e", 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total)
}
