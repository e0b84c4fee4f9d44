// Package eventbus implements a named-event publish/subscribe primitive.
//
// A Bus keeps two subscription tables per event name. Persistent
// subscribers (On) are invoked on every emission. One-shot subscribers
// (Once) are invoked on the next emission only: the whole one-shot set for
// an event name is drained and removed by that emission.
//
// Handlers run synchronously on the emitting goroutine, outside the bus
// lock, so they may subscribe or unsubscribe freely. Invocation order
// within an emission is unspecified.
package eventbus
