// Package backoff provides a capped exponential retry policy.
package backoff

import "time"

type Policy struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	next    time.Duration
}

func New(opts ...func(*Policy)) *Policy {
	p := &Policy{
		initial: 5 * time.Second,
		max:     80 * time.Second,
		factor:  2,
	}
	for _, o := range opts {
		o(p)
	}
	p.next = p.initial
	return p
}

func WithInitial(d time.Duration) func(*Policy) {
	return func(p *Policy) {
		p.initial = d
	}
}

func WithMax(d time.Duration) func(*Policy) {
	return func(p *Policy) {
		p.max = d
	}
}

func WithFactor(f float64) func(*Policy) {
	return func(p *Policy) {
		p.factor = f
	}
}

// Next returns the delay to wait before the next attempt and advances the
// policy.
func (p *Policy) Next() time.Duration {
	d := p.next
	p.next = time.Duration(float64(p.next) * p.factor)
	if p.next > p.max {
		p.next = p.max
	}
	return d
}

// Reset rewinds the policy to its initial delay, called after a successful
// attempt.
func (p *Policy) Reset() {
	p.next = p.initial
}
