package conn

import "time"

// Backoff doubles the reconnect delay from Min up to Max. MaxAttempts caps
// consecutive failed attempts; zero retries forever.
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
}

var DefaultBackoff = Backoff{
	Min: time.Second,
	Max: 30 * time.Second,
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	min, max := b.Min, b.Max
	if min <= 0 {
		min = DefaultBackoff.Min
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}
	d := min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return d
}

// Exhausted reports whether attempt failed attempts use up the budget.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
