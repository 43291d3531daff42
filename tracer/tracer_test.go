// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tracer

import "testing"

func TestBeginEndPairs(t *testing.T) {
	rec := NewRecorder(0)
	tr := NewWithSink(rec)

	end := tr.Begin("present")
	tr.Instant("flip")
	end()
	end()

	events := rec.Events()
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Phase != PhaseBegin || events[1].Phase != PhaseInstant || events[2].Phase != PhaseEnd {
		t.Errorf("Unexpected phases: %v %v %v", events[0].Phase, events[1].Phase, events[2].Phase)
	}
	if !rec.Balanced() {
		t.Error("Recorder should be balanced")
	}
}

func TestDisabledAndNilTracer(t *testing.T) {
	rec := NewRecorder(0)
	tr := NewWithSink(rec)
	tr.SetEnabled(false)
	tr.Begin("nothing")()
	if len(rec.Events()) != 0 {
		t.Error("Disabled tracer recorded events")
	}

	var nilTracer *Tracer
	nilTracer.Begin("nil")()
	nilTracer.Instant("nil")
}

func TestRecorderLimit(t *testing.T) {
	rec := NewRecorder(2)
	tr := NewWithSink(rec)
	tr.Instant("a")
	tr.Instant("b")
	tr.Instant("c")
	events := rec.Events()
	if len(events) != 2 || events[0].Name != "b" || events[1].Name != "c" {
		t.Errorf("Unexpected recorder contents: %+v", events)
	}
}
