package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// ReconnectPolicy configures the auto-reconnect loop.
type ReconnectPolicy struct {
	// InitialDelay is the wait before the first reconnection attempt.
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `yaml:"max_delay" toml:"max_delay"`

	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64 `yaml:"multiplier" toml:"multiplier"`

	// Jitter adds up to this fraction of random delay (0.1 = +10%).
	Jitter float64 `yaml:"jitter" toml:"jitter"`

	// MaxAttempts limits consecutive failed attempts (0 = unlimited).
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`
}

// DefaultReconnectPolicy returns the default reconnect policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Exhausted reports whether attempt (1-based) exceeds MaxAttempts.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Delay computes the wait before attempt (1-based) with exponential
// backoff, a cap and optional jitter.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	if attempt > 1 {
		multiplier := p.Multiplier
		if multiplier < 1.0 {
			multiplier = 2.0
		}
		backoff := float64(delay) * math.Pow(multiplier, float64(attempt-1))
		maxDelay := p.MaxDelay
		if maxDelay <= 0 {
			maxDelay = 30 * time.Second
		}
		if backoff > float64(maxDelay) || backoff > float64(math.MaxInt64) {
			delay = maxDelay
		} else {
			delay = time.Duration(backoff)
		}
	}

	if p.Jitter > 0 {
		delay = time.Duration(float64(delay) * (1.0 + rand.Float64()*p.Jitter))
	}
	return delay
}
