// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source injected into every component that
// schedules work. The surface is the subset of the time package this
// module actually uses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine (real clock) or synchronously during Advance (fake
	// clock). The returned Timer cancels the pending call via Stop;
	// its C field is nil, matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. Stop releases it; ticks are
// dropped rather than queued when the consumer falls behind (C has
// capacity 1, matching time.Ticker).
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the tick interval and restarts the cycle.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a scheduled one-shot event. For AfterFunc timers C is nil.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns false if it already
// fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d. Returns true if the timer
// was still active.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
