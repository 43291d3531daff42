// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package display

import (
	"sync"

	"github.com/mstarongithub/flutterkms/util"
)

// Commit is one flushed frame as tracked between submission and scanout
type Commit struct {
	Seq       uint64
	Entries   []StackEntry
	OnScanout ScanoutCallback
}

// Empty commits don't change what's on screen
func (c *Commit) Empty() bool {
	for _, e := range c.Entries {
		if !e.Placeholder {
			return false
		}
	}
	return true
}

// CommitTracker follows commits of one display from submission to flip.
// Flips complete in submission order. When a commit reaches the screen the
// previous on screen commit's layers are released
type CommitTracker struct {
	mu      sync.Mutex
	seq     uint64
	pending []*Commit
	current *Commit
	// Empty commits blank the screen instead of keeping the last frame
	BlankOnEmpty bool
}

// Submit registers a commit that was handed to the hardware
func (t *CommitTracker) Submit(entries []StackEntry, onScanout ScanoutCallback) *Commit {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	c := &Commit{Seq: t.seq, Entries: entries, OnScanout: onScanout}
	t.pending = append(t.pending, c)
	return c
}

// Flipped marks the oldest pending commit as visible
func (t *CommitTracker) Flipped(vblankNS uint64) {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		util.Assert(false, "flip without pending commit")
		return
	}
	c := t.pending[0]
	t.pending[0] = nil
	t.pending = t.pending[1:]

	var old *Commit
	if !c.Empty() || t.BlankOnEmpty || t.current == nil {
		old, t.current = t.current, c
	} else {
		// Previous frame stays up, the empty commit has nothing to hold on to
		old = c
	}
	t.mu.Unlock()

	if old != nil {
		ReleaseEntries(old.Entries)
	}
	if c.OnScanout != nil {
		c.OnScanout(vblankNS)
	}
}

// Current returns the layers on screen. The buffers stay referenced by the tracker
func (t *CommitTracker) Current() []BufferLayer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	return Layers(t.current.Entries)
}

// CurrentEntries is like Current but keeps the zpos information
func (t *CommitTracker) CurrentEntries() []StackEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	return append([]StackEntry(nil), t.current.Entries...)
}

func (t *CommitTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close releases everything still tracked
func (t *CommitTracker) Close() {
	t.mu.Lock()
	all := t.pending
	if t.current != nil {
		all = append(all, t.current)
	}
	t.pending = nil
	t.current = nil
	t.mu.Unlock()
	for _, c := range all {
		ReleaseEntries(c.Entries)
	}
}
