package ws

import "time"

// BackoffStrategy defines how to handle reconnection delays
type BackoffStrategy interface {
	// NextDelay returns the delay before the next reconnection attempt
	NextDelay(attempt int) time.Duration

	// Reset resets the backoff strategy after a successful connection
	Reset()
}

// ExponentialBackoff implements exponential backoff with a ceiling:
// min(InitialDelay * Multiplier^attempt, MaxDelay). Successive delays are
// non-decreasing.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.InitialDelay)

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= eb.Multiplier
	}

	result := time.Duration(delay * multiplier)

	if result > eb.MaxDelay || result <= 0 {
		result = eb.MaxDelay
	}

	return result
}

func (eb *ExponentialBackoff) Reset() {
	// Nothing to reset for exponential backoff
}
