package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicy_Delay(t *testing.T) {
	p := ReconnectPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second},
		{50, 1 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestReconnectPolicy_DelayDefaults(t *testing.T) {
	var p ReconnectPolicy
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
}

func TestReconnectPolicy_Jitter(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: 100 * time.Millisecond, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestReconnectPolicy_Exhausted(t *testing.T) {
	assert.False(t, ReconnectPolicy{}.Exhausted(1000))
	p := ReconnectPolicy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
