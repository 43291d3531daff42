// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package display

import (
	"image"
	"strings"

	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/util"
)

// Rotation uses the bit layout of the DRM plane "rotation" property.
// Rotations are counter-clockwise
type Rotation uint32

const (
	Rotate0 Rotation = 1 << iota
	Rotate90
	Rotate180
	Rotate270
	ReflectX
	ReflectY
)

func (r Rotation) String() string {
	if r == 0 {
		return "rotate-0"
	}
	names := []string{"rotate-0", "rotate-90", "rotate-180", "rotate-270", "reflect-x", "reflect-y"}
	var parts []string
	for i, name := range names {
		if r&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// RotationFromQuarterTurns converts counter-clockwise quarter turns
func RotationFromQuarterTurns(turns int) Rotation {
	turns = ((turns % 4) + 4) % 4
	return Rotate0 << turns
}

// BufferLayer places one buffer on the display for one frame
type BufferLayer struct {
	Buffer *Buffer
	// Crop rectangle in buffer pixels
	Src geom.Rect
	// Placement in display pixels
	Dst      image.Rectangle
	Rotation Rotation

	HasInFence bool
	InFenceFd  int

	// OnRelease runs once this buffer is no longer needed for scanout of this layer
	OnRelease func()
}

// FullBufferLayer shows all of b at dst
func FullBufferLayer(b *Buffer, dst image.Rectangle) BufferLayer {
	w, h := b.Size()
	return BufferLayer{
		Buffer:   b,
		Src:      geom.Rect{W: float64(w), H: float64(h)},
		Dst:      dst,
		Rotation: Rotate0,
	}
}

// StackEntry is one pushed layer or reserved slot
type StackEntry struct {
	Zpos        int
	Placeholder bool
	Layer       BufferLayer
}

// Stack implements the push/flush bookkeeping shared by all presenters.
// Pushed buffers are referenced until the stack's entries are released
type Stack struct {
	zpos    int
	flushed bool
	entries []StackEntry
}

func (s *Stack) SetLogicalZpos(zpos int) {
	util.Assert(zpos >= s.zpos, "logical zpos went backwards from %d to %d", s.zpos, zpos)
	if zpos >= s.zpos {
		s.zpos = zpos
	}
}

func (s *Stack) LogicalZpos() int {
	return s.zpos
}

func (s *Stack) Push(layer BufferLayer) error {
	if s.flushed {
		util.Assert(false, "push after flush")
		return ErrPresenterFlushed
	}
	if layer.Buffer == nil {
		return ErrInvalidBuffer
	}
	if layer.Rotation == 0 {
		layer.Rotation = Rotate0
	}
	layer.Buffer.Ref()
	s.entries = append(s.entries, StackEntry{Zpos: s.zpos, Layer: layer})
	s.zpos++
	return nil
}

func (s *Stack) PushPlaceholder(n int) {
	if s.flushed {
		util.Assert(false, "placeholder push after flush")
		return
	}
	for range n {
		s.entries = append(s.entries, StackEntry{Zpos: s.zpos, Placeholder: true})
		s.zpos++
	}
}

// Seal ends the accumulation. The caller owns the returned entries
func (s *Stack) Seal() ([]StackEntry, error) {
	if s.flushed {
		util.Assert(false, "presenter flushed twice")
		return nil, ErrPresenterFlushed
	}
	s.flushed = true
	entries := s.entries
	s.entries = nil
	return entries, nil
}

func (s *Stack) Flushed() bool {
	return s.flushed
}

// Layers filters the placeholders out of entries
func Layers(entries []StackEntry) []BufferLayer {
	out := make([]BufferLayer, 0, len(entries))
	for _, e := range entries {
		if !e.Placeholder {
			out = append(out, e.Layer)
		}
	}
	return out
}

// ReleaseEntries runs the release callbacks of entries and drops their buffer references
func ReleaseEntries(entries []StackEntry) {
	for _, e := range entries {
		if e.Placeholder {
			continue
		}
		if e.Layer.OnRelease != nil {
			e.Layer.OnRelease()
		}
		e.Layer.Buffer.Unref()
	}
}
