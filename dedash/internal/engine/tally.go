package engine

import "time"

// DefaultCounterIdle is how long the counter stays up after the last
// replacement before it hides and resets.
const DefaultCounterIdle = 1300 * time.Millisecond

// tally counts replacements since the last quiet period.
type tally struct {
	idle    time.Duration
	count   int
	resetAt time.Time
}

// add increments the tally and pushes the reset deadline out.
func (t *tally) add(n int, now time.Time) int {
	t.count += n
	t.resetAt = now.Add(t.idle)
	return t.count
}

// due zeroes the tally once the idle window has passed.
func (t *tally) due(now time.Time) bool {
	if t.resetAt.IsZero() || now.Before(t.resetAt) {
		return false
	}
	t.count = 0
	t.resetAt = time.Time{}
	return true
}
