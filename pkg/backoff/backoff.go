package backoff

import "time"

// Tick is the interval an empty policy grows to before its first doubling.
const Tick = time.Millisecond

// Policy tracks an exponential reconnect interval bounded by [Min, Max].
//
// A Policy is a plain value with no locking; the owner serializes access.
type Policy struct {
	min    time.Duration
	max    time.Duration
	next   time.Duration
	active bool
}

// New creates an inactive policy starting at min.
func New(min, max time.Duration) *Policy {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return &Policy{min: min, max: max, next: min}
}

// Min returns the lower bound.
func (p *Policy) Min() time.Duration { return p.min }

// Max returns the upper bound.
func (p *Policy) Max() time.Duration { return p.max }

// Next returns the current interval regardless of whether the policy is active.
func (p *Policy) Next() time.Duration { return p.next }

// Active reports whether Interval returns a non-zero wait.
func (p *Policy) Active() bool { return p.active }

// Interval returns the wait to apply before the next attempt, or 0 while inactive.
func (p *Policy) Interval() time.Duration {
	if !p.active {
		return 0
	}
	return p.next
}

// Increase doubles the interval.
func (p *Policy) Increase() {
	next := p.next
	if next <= 0 {
		next = Tick
	}
	p.next = p.clamp(next * 2)
}

// Decrease halves the interval.
func (p *Policy) Decrease() {
	p.next = p.clamp(p.next / 2)
}

// Reset returns the interval to Min.
func (p *Policy) Reset() {
	p.next = p.min
}

// ResetTo sets the interval to v clamped to [Min, Max]. Used to resume a
// persisted interval from a previous session.
func (p *Policy) ResetTo(v time.Duration) {
	p.next = p.clamp(v)
}

// ResetToMax sets the interval to Max.
func (p *Policy) ResetToMax() {
	p.next = p.max
}

// Enable makes Interval return the tracked value.
func (p *Policy) Enable() { p.active = true }

// Disable makes Interval return 0 without forgetting the tracked value.
func (p *Policy) Disable() { p.active = false }

func (p *Policy) clamp(v time.Duration) time.Duration {
	if v < p.min {
		return p.min
	}
	if v > p.max {
		return p.max
	}
	return v
}
