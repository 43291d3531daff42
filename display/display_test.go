// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package display

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/mstarongithub/flutterkms/pixfmt"
)

type fakeResources struct {
	released *int
}

func (r fakeResources) Release() error {
	*r.released++
	return nil
}

func newTestBuffer(t *testing.T, w, h int) *Buffer {
	t.Helper()
	b, err := NewSoftwareBuffer(w, h, 0, pixfmt.ABGR8888)
	if err != nil {
		t.Fatalf("NewSoftwareBuffer: %v", err)
	}
	return b
}

func TestBufferDestroyedOnce(t *testing.T) {
	destroyed := 0
	desc := BufferDesc{Type: BufferSoftware, Width: 2, Height: 2, Stride: 8, Format: pixfmt.XRGB8888, Pix: make([]byte, 16)}
	b := NewBuffer(desc, func(userdata any) {
		if userdata != "ud" {
			t.Errorf("userdata = %v", userdata)
		}
		destroyed++
	}, "ud")

	released := 0
	created := 0
	for range 3 {
		if _, err := b.Resources(func(*Buffer) (Resources, error) {
			created++
			return fakeResources{released: &released}, nil
		}); err != nil {
			t.Fatalf("Resources: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("resources created %d times, want 1", created)
	}

	b.Ref()
	b.Unref()
	if destroyed != 0 {
		t.Fatal("buffer destroyed while still referenced")
	}
	b.Unref()
	if destroyed != 1 || released != 1 {
		t.Errorf("destroyed=%d released=%d, want 1 and 1", destroyed, released)
	}
	if _, err := b.Resources(func(*Buffer) (Resources, error) { return nil, nil }); !errors.Is(err, ErrBufferDestroyed) {
		t.Errorf("Resources after destroy: %v", err)
	}
}

func TestBufferDescValidate(t *testing.T) {
	good := BufferDesc{Type: BufferSoftware, Width: 4, Height: 1, Stride: 16, Format: pixfmt.ARGB8888, Pix: make([]byte, 16)}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	short := good
	short.Stride = 8
	if err := short.Validate(); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("short stride: %v", err)
	}
	unknown := good
	unknown.Format = pixfmt.Invalid
	if err := unknown.Validate(); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("unknown format: %v", err)
	}
}

func TestOversizedBufferRejected(t *testing.T) {
	if _, err := NewSoftwareBuffer(1<<31, 1<<32, 0, pixfmt.ARGB8888); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("wrapping size: %v", err)
	}
	if _, err := NewSoftwareBuffer(pixfmt.MaxDimension+1, 1, 0, pixfmt.ARGB8888); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("too wide: %v", err)
	}
	desc := BufferDesc{Type: BufferSoftware, Width: 4, Height: 64, Stride: 1 << 58, Format: pixfmt.ARGB8888}
	if err := desc.Validate(); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("stride overflow: %v", err)
	}
}

func TestStackZpos(t *testing.T) {
	b := newTestBuffer(t, 1, 1)
	defer b.Unref()

	var s Stack
	if err := s.Push(FullBufferLayer(b, image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatal(err)
	}
	s.PushPlaceholder(2)
	s.SetLogicalZpos(5)
	if err := s.Push(FullBufferLayer(b, image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Seal()
	if err != nil {
		t.Fatal(err)
	}
	want := []int{0, 1, 2, 5}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Zpos != want[i] {
			t.Errorf("entry %d zpos = %d, want %d", i, e.Zpos, want[i])
		}
	}
	if got := len(Layers(entries)); got != 2 {
		t.Errorf("Layers = %d, want 2", got)
	}
	if err := s.Push(FullBufferLayer(b, image.Rect(0, 0, 1, 1))); !errors.Is(err, ErrPresenterFlushed) {
		t.Errorf("push after seal: %v", err)
	}
	ReleaseEntries(entries)
}

func TestCommitTrackerReleasesPreviousFrame(t *testing.T) {
	var tracker CommitTracker
	var released []string
	var scanouts []uint64

	frame := func(name string) []StackEntry {
		b := newTestBuffer(t, 1, 1)
		l := FullBufferLayer(b, image.Rect(0, 0, 1, 1))
		l.OnRelease = func() { released = append(released, name) }
		var s Stack
		if err := s.Push(l); err != nil {
			t.Fatal(err)
		}
		b.Unref()
		entries, _ := s.Seal()
		return entries
	}
	onScanout := func(ns uint64) { scanouts = append(scanouts, ns) }

	tracker.Submit(frame("a"), onScanout)
	tracker.Submit(frame("b"), onScanout)
	tracker.Flipped(10)
	if len(released) != 0 {
		t.Fatalf("released %v after first flip", released)
	}
	tracker.Flipped(20)
	if len(released) != 1 || released[0] != "a" {
		t.Fatalf("released %v, want [a]", released)
	}
	if len(scanouts) != 2 || scanouts[0] != 10 || scanouts[1] != 20 {
		t.Errorf("scanouts = %v", scanouts)
	}

	// Empty commits keep b on screen
	for range 10000 {
		tracker.Submit(nil, nil)
		tracker.Flipped(30)
	}
	if len(released) != 1 {
		t.Errorf("empty flips released %v", released)
	}
	if got := tracker.Current(); len(got) != 1 {
		t.Errorf("current has %d layers, want 1", len(got))
	}
	if tracker.Pending() != 0 {
		t.Errorf("%d commits still pending", tracker.Pending())
	}
	tracker.Close()
	if len(released) != 2 {
		t.Errorf("close released %v", released)
	}
}

func TestCommitErrorUnwrap(t *testing.T) {
	err := error(&CommitError{Zpos: 3, Err: ErrNoFreePlane})
	if !errors.Is(err, ErrCommitRejected) || !errors.Is(err, ErrNoFreePlane) {
		t.Errorf("errors.Is failed for %v", err)
	}
	if z, ok := RejectedZpos(err); !ok || z != 3 {
		t.Errorf("RejectedZpos = %d, %v", z, ok)
	}
	if _, ok := RejectedZpos(&CommitError{Zpos: -1}); ok {
		t.Error("unknown zpos reported as known")
	}
}

func TestBlitRotate180(t *testing.T) {
	b := newTestBuffer(t, 2, 1)
	defer b.Unref()
	img, err := b.Image()
	if err != nil {
		t.Fatal(err)
	}
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	img.Set(0, 0, red)
	img.Set(1, 0, blue)

	dst := image.NewRGBA(image.Rect(0, 0, 2, 1))
	l := FullBufferLayer(b, dst.Bounds())
	l.Rotation = Rotate180
	if err := Blit(dst, l); err != nil {
		t.Fatal(err)
	}
	if got := dst.RGBAAt(0, 0); got != blue {
		t.Errorf("pixel 0 = %v, want blue", got)
	}
	if got := dst.RGBAAt(1, 0); got != red {
		t.Errorf("pixel 1 = %v, want red", got)
	}
}

func TestCapsRotation(t *testing.T) {
	c := Caps{Rotations: Rotate0 | Rotate180}
	if !c.SupportsRotation(0) || !c.SupportsRotation(Rotate180) {
		t.Error("supported rotation rejected")
	}
	if c.SupportsRotation(Rotate90) {
		t.Error("unsupported rotation accepted")
	}
	if RotationFromQuarterTurns(-1) != Rotate270 {
		t.Error("negative quarter turns")
	}
}
