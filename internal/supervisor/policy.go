package supervisor

import (
	"math"
	"time"
)

// ReconnectPolicy computes the wait before each reconnect. Retries are
// unbounded; only a logout stops the supervisor.
type ReconnectPolicy struct {
	// InitialDelay is the wait before the first reconnect.
	InitialDelay time.Duration
	// MaxDelay caps the wait. Zero means no cap.
	MaxDelay time.Duration
	// Multiplier grows the wait per consecutive failure. 1 keeps it fixed.
	Multiplier float64
}

// DefaultReconnectPolicy waits a fixed three seconds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 3 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   1,
	}
}

// NextDelay returns the wait before reconnect number retry (0-indexed).
func (p ReconnectPolicy) NextDelay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(mult, float64(retry))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
