// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package uptime provides the clock basis for all expiry windows in the
// gateway. Elapsed time is measured in server uptime: wall-clock time minus
// recorded downtime intervals, so restarts never count against a temporary
// ban or lockout budget.
package uptime

import (
	"sync"
	"time"

	"github.com/samber/oops"
)

// interval is a closed downtime span.
type interval struct {
	from time.Time
	to   time.Time
}

// Clock measures elapsed uptime.
type Clock struct {
	mu        sync.RWMutex
	downtimes []interval
	now       func() time.Time
}

// NewClock creates a Clock using the system time.
func NewClock() *Clock {
	return NewClockWithNow(time.Now)
}

// NewClockWithNow creates a Clock with an injectable time source.
func NewClockWithNow(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns the current wall-clock time from the clock's time source.
func (c *Clock) Now() time.Time {
	return c.now()
}

// RecordDowntime records a downtime span [from, to]. Spans recorded here are
// excluded from all subsequent ElapsedSince computations.
func (c *Clock) RecordDowntime(from, to time.Time) error {
	if to.Before(from) {
		return oops.Code("UPTIME_INVALID_INTERVAL").
			With("from", from).
			With("to", to).
			Errorf("downtime interval ends before it starts")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.downtimes = append(c.downtimes, interval{from: from, to: to})
	return nil
}

// ElapsedSince returns the uptime elapsed since t: wall-clock elapsed minus
// the portion of every recorded downtime interval that falls after t.
// Returns zero for times in the future.
func (c *Clock) ElapsedSince(t time.Time) time.Duration {
	now := c.now()
	if !now.After(t) {
		return 0
	}

	elapsed := now.Sub(t)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.downtimes {
		if !d.to.After(t) {
			continue
		}
		from := d.from
		if from.Before(t) {
			from = t
		}
		to := d.to
		if to.After(now) {
			to = now
		}
		if to.After(from) {
			elapsed -= to.Sub(from)
		}
	}

	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// DowntimeCount returns the number of recorded downtime intervals.
func (c *Clock) DowntimeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.downtimes)
}
