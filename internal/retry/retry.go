package retry

import "time"

// Policy computes the delay before a retry attempt. The schedule is a fixed
// ramp; attempts beyond the ramp get the ceiling. Every attempt number yields
// a finite delay, there is no stop signal: callers that must bound retries do
// so with an attempt budget or a context deadline.
type Policy struct {
	Schedule []time.Duration
	Ceiling  time.Duration
}

// Backoff returns the delay to wait before the given attempt. Attempts are
// numbered from 1; attempt 1 maps to the first schedule entry. The result is
// monotonically non-decreasing in the attempt number.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if attempt <= len(p.Schedule) {
		return p.Schedule[attempt-1]
	}

	return p.Ceiling
}

// Reconnect is the connection re-establishment schedule: an immediate first
// attempt, a short ramp, then a steady 30s ceiling for as long as the backend
// stays unreachable.
func Reconnect() Policy {
	return Policy{
		Schedule: []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second},
		Ceiling:  30 * time.Second,
	}
}

// Storage is the schedule for transient storage faults. This path is
// synchronous within a request, so the ramp is short and callers pair it
// with a small attempt budget.
func Storage() Policy {
	return Policy{
		Schedule: []time.Duration{50 * time.Millisecond, 250 * time.Millisecond, time.Second},
		Ceiling:  time.Second,
	}
}
