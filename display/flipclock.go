// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package display

import (
	"sync"
	"time"
)

// DelayedPoster runs tasks at a target time, usually an *evloop.Loop
type DelayedPoster interface {
	PostDelayed(task func(), target time.Time) error
}

// FlipClock simulates vblanks for displays without a hardware flip event
type FlipClock struct {
	period time.Duration
	poster DelayedPoster

	mu     sync.Mutex
	last   time.Time
	armed  bool
	closed bool
}

// NewFlipClock ticks at refreshHz. A nil poster uses runtime timers
func NewFlipClock(refreshHz float64, poster DelayedPoster) *FlipClock {
	if refreshHz <= 0 {
		refreshHz = 60
	}
	return &FlipClock{
		period: time.Duration(float64(time.Second) / refreshHz),
		poster: poster,
		last:   time.Now(),
	}
}

func (c *FlipClock) Period() time.Duration { return c.period }

// Next is the first tick strictly after now
func (c *FlipClock) Next(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticks := now.Sub(c.last)/c.period + 1
	return c.last.Add(ticks * c.period)
}

// Tick records a vblank happening now
func (c *FlipClock) Tick() {
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
}

// Arm runs fire at the next tick. Arming an armed clock does nothing
func (c *FlipClock) Arm(fire func()) {
	c.mu.Lock()
	if c.armed || c.closed {
		c.mu.Unlock()
		return
	}
	c.armed = true
	c.mu.Unlock()

	target := c.Next(time.Now())
	run := func() {
		c.mu.Lock()
		c.armed = false
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			fire()
		}
	}
	if c.poster != nil {
		if err := c.poster.PostDelayed(run, target); err == nil {
			return
		}
		logger.Warnln("Event loop refused simulated vblank, falling back to a timer")
	}
	time.AfterFunc(time.Until(target), run)
}

func (c *FlipClock) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
