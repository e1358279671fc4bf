package worker

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"scribeq/internal/routing"
)

// TerminalError marks an execution failure that can never succeed on retry
// (malformed input, permanent provider rejection). It skips the remaining
// retry budget and goes straight to failed + refund.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps an error as non-retriable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err is marked non-retriable.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Backoff computes the delay before retry attempt+1, given that `attempt`
// attempts have already failed: min(base * 2^attempt, ceiling), then a
// uniform jitter factor in [0.5, 1.5] when the policy enables it.
func Backoff(p routing.RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseBackoff) * math.Pow(2, float64(attempt))
	if ceiling := float64(p.BackoffCeiling); d > ceiling {
		d = ceiling
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
