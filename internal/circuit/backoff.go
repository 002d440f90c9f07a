package circuit

import "time"

// Backoff is a bounded retry schedule: the delay before retry n is
// delays[n-1], and there are no retries past the end of the schedule.
type Backoff struct {
	delays []time.Duration
}

func NewBackoff(delays ...time.Duration) Backoff {
	out := make([]time.Duration, 0, len(delays))
	for _, d := range delays {
		if d < 0 {
			d = 0
		}
		out = append(out, d)
	}
	return Backoff{delays: out}
}

// Exponential builds a schedule of retries delays starting at base and
// doubling up to max.
func Exponential(base, max time.Duration, retries int) Backoff {
	delays := make([]time.Duration, 0, retries)
	d := base
	for i := 0; i < retries; i++ {
		if max > 0 && d > max {
			d = max
		}
		delays = append(delays, d)
		d *= 2
	}
	return NewBackoff(delays...)
}

// IsZero reports whether b is the zero value, as opposed to an explicitly
// empty schedule.
func (b Backoff) IsZero() bool {
	return b.delays == nil
}

// MaxAttempts is the total number of attempts including the first one.
func (b Backoff) MaxAttempts() int {
	return len(b.delays) + 1
}

// Delay returns how long to wait after failed attempt number attempt
// (1-based). ok is false once the schedule is exhausted.
func (b Backoff) Delay(attempt int) (delay time.Duration, ok bool) {
	if attempt < 1 || attempt > len(b.delays) {
		return 0, false
	}
	return b.delays[attempt-1], true
}

func (b Backoff) Delays() []time.Duration {
	out := make([]time.Duration, len(b.delays))
	copy(out, b.delays)
	return out
}
