// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tracer emits paired begin/end events around presentation work.
// Events show up as regions in `go tool trace` and, when the log level is
// trace, in the log.
package tracer

import (
	"context"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Phase int

const (
	PhaseBegin = Phase(iota)
	PhaseEnd
	PhaseInstant
)

func (p Phase) String() string {
	switch p {
	case PhaseBegin:
		return "begin"
	case PhaseEnd:
		return "end"
	default:
		return "instant"
	}
}

type Event struct {
	Name  string
	Phase Phase
	Time  time.Time
}

// Sink receives every event of a Tracer. Must be safe for concurrent use
type Sink interface {
	Event(ev Event)
}

type Tracer struct {
	enabled atomic.Bool
	sink    Sink
	ctx     context.Context
}

type logSink struct {
	log *logrus.Entry
}

func (s logSink) Event(ev Event) {
	if !s.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	s.log.WithFields(logrus.Fields{
		"event": ev.Name,
		"phase": ev.Phase.String(),
	}).Traceln("trace event")
}

// New creates an enabled tracer logging its events at trace level
func New() *Tracer {
	return NewWithSink(logSink{log: logrus.WithField("component", "tracer")})
}

// NewWithSink creates an enabled tracer forwarding to sink
func NewWithSink(sink Sink) *Tracer {
	t := &Tracer{sink: sink, ctx: context.Background()}
	t.enabled.Store(true)
	return t
}

func (t *Tracer) SetEnabled(enabled bool) {
	if t == nil {
		return
	}
	t.enabled.Store(enabled)
}

func (t *Tracer) emit(name string, phase Phase) {
	t.sink.Event(Event{Name: name, Phase: phase, Time: time.Now()})
}

// Begin emits a begin event and returns the func emitting the matching end event.
// A nil Tracer is valid and traces nothing
func (t *Tracer) Begin(name string) (end func()) {
	if t == nil || !t.enabled.Load() {
		return func() {}
	}
	region := trace.StartRegion(t.ctx, name)
	t.emit(name, PhaseBegin)
	var once sync.Once
	return func() {
		once.Do(func() {
			t.emit(name, PhaseEnd)
			region.End()
		})
	}
}

// Instant emits a single point-in-time event
func (t *Tracer) Instant(name string) {
	if t == nil || !t.enabled.Load() {
		return
	}
	trace.Log(t.ctx, "instant", name)
	t.emit(name, PhaseInstant)
}

// Recorder is a Sink keeping events in memory, used by the debug console and tests
type Recorder struct {
	lock   sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events, dropping the oldest ones. Zero means unlimited
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Event(ev Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append(r.events[:0], r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Balanced reports whether every begin event has its end event, per name
func (r *Recorder) Balanced() bool {
	open := make(map[string]int)
	for _, ev := range r.Events() {
		switch ev.Phase {
		case PhaseBegin:
			open[ev.Name]++
		case PhaseEnd:
			open[ev.Name]--
			if open[ev.Name] < 0 {
				return false
			}
		}
	}
	for _, n := range open {
		if n != 0 {
			return false
		}
	}
	return true
}
