// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to the given time. Nothing fires
// until Advance is called; timers, tickers, and After channels all
// register as pending entries that trigger when the clock moves past
// their deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Time only moves when
// Advance is called. AfterFunc callbacks run synchronously inside
// Advance, in deadline order; do not call Advance from inside a
// callback, that deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	entries []*fakeEntry
	changed *sync.Cond
}

// fakeEntry is one pending timer, ticker, or After channel.
type fakeEntry struct {
	deadline time.Time
	channel  chan time.Time // nil for AfterFunc entries
	callback func()         // nil for channel entries
	interval time.Duration  // non-zero for tickers; rescheduled after firing
	stopped  bool
	fired    bool // set after a one-shot fires, prevents double fire
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a one-shot channel entry. If d <= 0 the channel
// receives immediately without registering.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.entries = append(c.entries, &fakeEntry{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.changed.Broadcast()
	return channel
}

// AfterFunc schedules f after duration d. If d <= 0, f runs
// synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	entry := &fakeEntry{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.entries = append(c.entries, entry)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !entry.stopped && !entry.fired
			entry.stopped = false
			entry.fired = false
			entry.deadline = c.current.Add(d)
			if !active {
				c.entries = append(c.entries, entry)
				c.changed.Broadcast()
			}
			return active
		},
	}
}

// NewTicker registers a repeating entry. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &fakeEntry{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.entries = append(c.entries, entry)
	c.changed.Broadcast()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.interval = d
			entry.deadline = c.current.Add(d)
			entry.stopped = false
		},
	}
}

// Advance moves the clock forward by d and fires everything whose
// deadline falls within the new time, in deadline order. Channel sends
// are non-blocking (drop-if-full, matching time.Ticker). Tickers
// spanning multiple intervals fire once per interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, entry := range due {
			if entry.callback != nil {
				entry.callback()
			} else if entry.channel != nil {
				select {
				case entry.channel <- target:
				default:
				}
			}
		}
	}
}

// takeDue removes expired entries, reschedules tickers, and returns
// what should fire. Called without c.mu held.
func (c *FakeClock) takeDue(target time.Time) []*fakeEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*fakeEntry
	for _, entry := range c.entries {
		if entry.stopped {
			continue
		}
		if entry.deadline.After(target) {
			remaining = append(remaining, entry)
		} else {
			due = append(due, entry)
		}
	}
	for _, entry := range due {
		if entry.interval > 0 {
			entry.deadline = entry.deadline.Add(entry.interval)
			remaining = append(remaining, entry)
		} else {
			entry.fired = true
		}
	}
	c.entries = remaining
	return due
}

// WaitForTimers blocks until at least n entries are pending. This
// closes the race between a goroutine arming a timer and the test
// advancing the clock past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of active pending entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, entry := range c.entries {
		if !entry.stopped && !entry.fired {
			count++
		}
	}
	return count
}
