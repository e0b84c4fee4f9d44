package client

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerPolicy configures the per-device tunnel circuit breaker. After
// FailureThreshold consecutive failed tunnel opens to one device, further
// opens fail fast with ErrCircuitOpen until ResetTimeout has passed; then
// one probe is let through.
type BreakerPolicy struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit (0 disables the breaker).
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`

	// ResetTimeout is how long the circuit stays open.
	ResetTimeout time.Duration `yaml:"reset_timeout" toml:"reset_timeout"`
}

// DefaultBreakerPolicy returns the default tunnel breaker policy.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// ErrCircuitOpen is returned by FileExplorer while a device's circuit is open.
var ErrCircuitOpen = errors.New("meshctrl: tunnel circuit open for device")

// CircuitState is the state of a tunnel breaker.
type CircuitState int

const (
	// CircuitClosed lets opens through.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails opens fast.
	CircuitOpen
	// CircuitHalfOpen lets one probe through.
	CircuitHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "Closed"
	case CircuitOpen:
		return "Open"
	case CircuitHalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

type circuitBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool

	policy   BreakerPolicy
	now      func() time.Time
	onChange func(from, to CircuitState)
}

func (cb *circuitBreaker) execute(fn func() error) error {
	if cb.policy.FailureThreshold <= 0 {
		return fn()
	}
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *circuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.policy.ResetTimeout {
			return ErrCircuitOpen
		}
		cb.transitionLocked(CircuitHalfOpen)
		cb.probing = true
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *circuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	// The caller giving up says nothing about the device.
	if errors.Is(err, context.Canceled) {
		return
	}
	if err == nil {
		cb.failures = 0
		cb.transitionLocked(CircuitClosed)
		return
	}

	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.policy.FailureThreshold {
		cb.transitionLocked(CircuitOpen)
	}
}

// transitionLocked must be called with cb.mu held.
func (cb *circuitBreaker) transitionLocked(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cb.onChange != nil {
		go cb.onChange(from, to)
	}
}

func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// tunnelBreakers holds one breaker per device.
type tunnelBreakers struct {
	mu       sync.Mutex
	policy   BreakerPolicy
	now      func() time.Time
	onChange func(nodeID string, from, to CircuitState)
	byNode   map[string]*circuitBreaker
}

func newTunnelBreakers(policy BreakerPolicy, onChange func(nodeID string, from, to CircuitState)) *tunnelBreakers {
	return &tunnelBreakers{
		policy:   policy,
		now:      time.Now,
		onChange: onChange,
		byNode:   make(map[string]*circuitBreaker),
	}
}

func (b *tunnelBreakers) get(nodeID string) *circuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byNode[nodeID]
	if !ok {
		cb = &circuitBreaker{policy: b.policy, now: b.now}
		if b.onChange != nil {
			cb.onChange = func(from, to CircuitState) { b.onChange(nodeID, from, to) }
		}
		b.byNode[nodeID] = cb
	}
	return cb
}

// CircuitState returns the tunnel breaker state for nodeID.
func (s *Session) CircuitState(nodeID string) CircuitState {
	return s.breakers.get(nodeID).State()
}
