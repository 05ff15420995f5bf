// Package backoff computes bounded exponential restart and retry delays.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// NextDelay returns min(floor*2^attempt, ceiling). Negative attempts count as 0
// and a floor above the ceiling is clamped to the ceiling.
func NextDelay(attempt int, floor, ceiling time.Duration) time.Duration {
	if floor < 0 {
		floor = 0
	}
	if ceiling < floor {
		return ceiling
	}
	if attempt < 0 {
		attempt = 0
	}
	d := floor
	for i := 0; i < attempt; i++ {
		if d >= ceiling || d > ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// State is a point-in-time copy of a Timer.
type State struct {
	AttemptCount  int           `json:"attempt_count"`
	CurrentDelay  time.Duration `json:"current_delay"`
	Floor         time.Duration `json:"floor"`
	Ceiling       time.Duration `json:"ceiling"`
	LastResetTime time.Time     `json:"last_reset_time"`
}

// Timer tracks consecutive attempts and hands out the delay for each one.
// It is safe for concurrent use.
type Timer struct {
	mu      sync.Mutex
	floor   time.Duration
	ceiling time.Duration
	jitter  float64
	attempt int
	current time.Duration
	resetAt time.Time
	now     func() time.Time
}

// Option customizes a Timer.
type Option func(*Timer)

// WithJitter shaves up to frac of each delay, never going below the floor.
func WithJitter(frac float64) Option {
	return func(t *Timer) {
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		t.jitter = frac
	}
}

// WithClock overrides the clock used for LastResetTime.
func WithClock(now func() time.Time) Option {
	return func(t *Timer) {
		if now != nil {
			t.now = now
		}
	}
}

func New(floor, ceiling time.Duration, opts ...Option) *Timer {
	t := &Timer{floor: floor, ceiling: ceiling, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	t.current = NextDelay(0, floor, ceiling)
	t.resetAt = t.now()
	return t
}

// Next returns the delay for the current attempt and advances the counter.
func (t *Timer) Next() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := NextDelay(t.attempt, t.floor, t.ceiling)
	t.attempt++
	t.current = NextDelay(t.attempt, t.floor, t.ceiling)
	if t.jitter > 0 && d > t.floor {
		span := float64(d-t.floor) * t.jitter
		d -= time.Duration(rand.Float64() * span)
	}
	return d
}

// Reset returns the timer to attempt 0.
func (t *Timer) Reset() {
	t.mu.Lock()
	t.attempt = 0
	t.current = NextDelay(0, t.floor, t.ceiling)
	t.resetAt = t.now()
	t.mu.Unlock()
}

func (t *Timer) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		AttemptCount:  t.attempt,
		CurrentDelay:  t.current,
		Floor:         t.floor,
		Ceiling:       t.ceiling,
		LastResetTime: t.resetAt,
	}
}
