// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vsync paces frame requests of the engine against the refresh
// cycle of one output and the release of its buffers.
//
// Every frame the engine is told to begin occupies a slot until the buffers
// it was presented with have been released by the display. Double buffering
// allows one occupied slot, triple buffering two. A request arriving while
// all slots are occupied is answered once a slot frees up. A begun frame
// that is not presented by the deadline it was given is dropped and gives
// its slot back.
package vsync

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/common/ipc"
	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/util"
)

var logger = logrus.WithField("component", "vsync")

type PresentMode int

const (
	DoubleBuffered PresentMode = iota
	TripleBuffered
)

func (m PresentMode) String() string {
	switch m {
	case DoubleBuffered:
		return "double"
	case TripleBuffered:
		return "triple"
	}
	return fmt.Sprintf("PresentMode(%d)", int(m))
}

func ParsePresentMode(s string) (PresentMode, error) {
	switch s {
	case "double", "":
		return DoubleBuffered, nil
	case "triple":
		return TripleBuffered, nil
	}
	return 0, fmt.Errorf("unknown present mode %q", s)
}

// InFlightLimit is the number of frames that may be begun but not yet released
func (m PresentMode) InFlightLimit() int {
	if m == TripleBuffered {
		return 2
	}
	return 1
}

// Buffers is the swapchain length matching the mode
func (m PresentMode) Buffers() int {
	return m.InFlightLimit() + 1
}

type State int

const (
	Idle State = iota
	AwaitingReply
)

func (s State) String() string {
	if s == AwaitingReply {
		return "awaiting-reply"
	}
	return "idle"
}

// FrameBegin tells the engine to start a frame which should be ready before nextVblankNS
type FrameBegin func(vblankNS, nextVblankNS uint64)

// ReplyFunc answers an engine vsync request identified by baton
type ReplyFunc func(baton uint64, vblankNS, nextVblankNS uint64)

type Config struct {
	Mode PresentMode
	// The engine waits for vsync replies. Without it requests are answered right away
	UsesFrameRequests bool
	RefreshHz         float64
	Reply             ReplyFunc
	// Monotonic clock in nanoseconds, display.Now if nil
	Now func() uint64
	// Runs f once d has passed, time.AfterFunc if nil
	After func(d time.Duration, f func())
}

type request struct {
	baton uint64
	begin FrameBegin
}

type Waiter struct {
	reply ReplyFunc
	now   func() uint64
	after func(time.Duration, func())

	mu                sync.Mutex
	mode              PresentMode
	usesFrameRequests bool
	period            uint64
	lastVblank        uint64
	// Frames begun and not yet presented, oldest first
	awaiting []uint64
	lastSeq  uint64
	// Frames begun and not yet released
	inFlight int
	deferred []request
	answered uint64
	dropped  uint64
	stopped  bool
}

func New(cfg Config) *Waiter {
	if cfg.RefreshHz <= 0 {
		cfg.RefreshHz = 60
	}
	if cfg.Now == nil {
		cfg.Now = display.Now
	}
	if cfg.After == nil {
		cfg.After = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	return &Waiter{
		reply:             cfg.Reply,
		now:               cfg.Now,
		after:             cfg.After,
		mode:              cfg.Mode,
		usesFrameRequests: cfg.UsesFrameRequests,
		period:            uint64(float64(time.Second) / cfg.RefreshHz),
	}
}

// Period is the refresh period in nanoseconds
func (w *Waiter) Period() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.period
}

// timestampsLocked returns the first vblank after now and the one after it
func (w *Waiter) timestampsLocked() (uint64, uint64) {
	now := w.now()
	next := now + w.period
	if w.lastVblank != 0 && w.lastVblank <= now {
		next = w.lastVblank + ((now-w.lastVblank)/w.period+1)*w.period
	} else if w.lastVblank > now {
		next = w.lastVblank
	}
	return next, next + w.period
}

func (w *Waiter) canBeginLocked() bool {
	return !w.usesFrameRequests || w.inFlight < w.mode.InFlightLimit()
}

// beginLocked occupies a slot and returns the callback to run once unlocked
func (w *Waiter) beginLocked(r request) func() {
	w.lastSeq++
	seq := w.lastSeq
	w.awaiting = append(w.awaiting, seq)
	w.inFlight++
	w.answered++
	vblank, next := w.timestampsLocked()
	// The frame has to be presented before next
	var wait time.Duration
	if now := w.now(); next > now {
		wait = time.Duration(next - now)
	}
	after := w.after
	start := func() { w.reply(r.baton, vblank, next) }
	if r.begin != nil {
		start = func() { r.begin(vblank, next) }
	} else if w.reply == nil {
		start = func() {}
	}
	return func() {
		after(wait, func() { w.expire(seq) })
		start()
	}
}

// expire drops the frame seq if it still was not presented
func (w *Waiter) expire(seq uint64) {
	w.mu.Lock()
	i := slices.Index(w.awaiting, seq)
	if i < 0 || w.stopped {
		w.mu.Unlock()
		return
	}
	w.awaiting = slices.Delete(w.awaiting, i, i+1)
	w.inFlight--
	w.dropped++
	runs := w.drainLocked()
	w.mu.Unlock()
	logger.WithField("frame", seq).Debugln("Frame missed its deadline, dropped")
	for _, run := range runs {
		run()
	}
}

func (w *Waiter) submit(r request) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if !w.canBeginLocked() {
		w.deferred = append(w.deferred, r)
		w.mu.Unlock()
		logger.Traceln("Frame request deferred until a buffer is released")
		return
	}
	run := w.beginLocked(r)
	w.mu.Unlock()
	run()
}

// RequestFrame calls begin once the next frame may be started
func (w *Waiter) RequestFrame(begin FrameBegin) {
	util.Assert(begin != nil, "frame request without callback")
	w.submit(request{begin: begin})
}

// OnFlVsyncRequest handles the engine asking for the next vsync
func (w *Waiter) OnFlVsyncRequest(baton uint64) {
	w.submit(request{baton: baton})
}

// OnPresented marks the oldest begun frame as handed to the display.
// It reports false for frames presented without being begun through the waiter,
// those hold no slot and must not be released
func (w *Waiter) OnPresented() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.awaiting) == 0 {
		return false
	}
	w.awaiting = w.awaiting[1:]
	return true
}

// OnFbReleased frees the slot of the oldest presented frame
func (w *Waiter) OnFbReleased() {
	w.mu.Lock()
	util.Assert(w.inFlight > 0, "buffer released without a frame in flight")
	if w.inFlight > 0 {
		w.inFlight--
	}
	runs := w.drainLocked()
	w.mu.Unlock()
	for _, run := range runs {
		run()
	}
}

// OnFrameDropped frees the slot of a begun frame that will never be presented
func (w *Waiter) OnFrameDropped() {
	w.mu.Lock()
	if len(w.awaiting) == 0 {
		w.mu.Unlock()
		return
	}
	w.awaiting = w.awaiting[1:]
	w.inFlight--
	w.dropped++
	runs := w.drainLocked()
	w.mu.Unlock()
	for _, run := range runs {
		run()
	}
}

func (w *Waiter) drainLocked() []func() {
	var runs []func()
	for !w.stopped && len(w.deferred) > 0 && w.canBeginLocked() {
		r := w.deferred[0]
		w.deferred = w.deferred[1:]
		runs = append(runs, w.beginLocked(r))
	}
	return runs
}

// OnVblank records the time of a vblank so replies stay in phase with the display
func (w *Waiter) OnVblank(vblankNS uint64) {
	w.mu.Lock()
	w.lastVblank = vblankNS
	w.mu.Unlock()
}

// SetMode switches between double and triple buffering. Deferred requests
// that now fit are answered right away
func (w *Waiter) SetMode(mode PresentMode) {
	w.mu.Lock()
	w.mode = mode
	runs := w.drainLocked()
	w.mu.Unlock()
	for _, run := range runs {
		run()
	}
}

// Stop forgets deferred requests and pending deadlines. Later requests are ignored
func (w *Waiter) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.deferred = nil
	w.awaiting = nil
	w.mu.Unlock()
}

func (w *Waiter) Mode() PresentMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

func (w *Waiter) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.awaiting) > 0 {
		return AwaitingReply
	}
	return Idle
}

// Status is a snapshot for the debug console
type Status = ipc.VsyncStatus

func (w *Waiter) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	state := Idle
	if len(w.awaiting) > 0 {
		state = AwaitingReply
	}
	return Status{
		Mode:              w.mode.String(),
		State:             state.String(),
		UsesFrameRequests: w.usesFrameRequests,
		InFlight:          w.inFlight,
		Deferred:          len(w.deferred),
		Answered:          w.answered,
		Dropped:           w.dropped,
		PeriodNS:          w.period,
		LastVblankNS:      w.lastVblank,
	}
}
