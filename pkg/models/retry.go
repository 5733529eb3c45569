package models

import "time"

// Retry defaults applied when a node declares a retry policy without bounds.
const (
	DefaultRetryInitialDelay = 500 * time.Millisecond
	DefaultRetryMultiplier   = 2.0
	DefaultRetryMaxDelay     = 30 * time.Second
)

// RetryPolicy controls per-node retries: a failing node is attempted up to
// MaxAttempts times, with exponential backoff between attempts.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts"               validate:"gte=1"`
	InitialDelayMs int64   `json:"initial_delay_ms,omitempty" validate:"gte=0"`
	Multiplier     float64 `json:"multiplier,omitempty"       validate:"gte=0"`
	MaxDelayMs     int64   `json:"max_delay_ms,omitempty"     validate:"gte=0"`
}

// Attempts returns the bounded attempt count, at least one.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}

	return p.MaxAttempts
}

// Backoff computes the delay before retry number attempt (0-based):
// initialDelay * multiplier^attempt, capped at maxDelay.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p == nil {
		return 0
	}

	initial := time.Duration(p.InitialDelayMs) * time.Millisecond
	if initial <= 0 {
		initial = DefaultRetryInitialDelay
	}

	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultRetryMultiplier
	}

	maxDelay := time.Duration(p.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = DefaultRetryMaxDelay
	}

	delay := float64(initial)
	for i := 0; i < attempt; i++ {
		delay *= multiplier

		if time.Duration(delay) >= maxDelay {
			return maxDelay
		}
	}

	if time.Duration(delay) > maxDelay {
		return maxDelay
	}

	return time.Duration(delay)
}
