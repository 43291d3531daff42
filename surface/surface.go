// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package surface holds the renderable units a frame is made of.
//
// Every surface has a stable id, a revision that grows with each content
// update and its own lock. Surfaces never call into the compositor while
// holding that lock.
package surface

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/pixfmt"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/tracer"
	"github.com/mstarongithub/flutterkms/util"
)

var (
	ErrNotOverlayable = errors.New("surface can't be shown on a hardware plane")
	ErrNoContent      = errors.New("surface has no content")
	ErrNoFreeBuffer   = errors.New("no free swapchain buffer")
)

var logger = logrus.WithField("component", "surface")

type Kind int

const (
	KindBackingStore Kind = iota
	KindRenderSurface
	KindPlatformView
	KindDmabuf
)

func (k Kind) String() string {
	switch k {
	case KindBackingStore:
		return "backing-store"
	case KindRenderSurface:
		return "render-surface"
	case KindPlatformView:
		return "platform-view"
	case KindDmabuf:
		return "dmabuf"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Surface interface {
	ID() uint64
	Kind() Kind
	Revision() uint64
	Ref()
	Unref()

	// PresentKMS pushes the layers this surface wants to show into a hardware presenter.
	// Zero layers means nothing to show this frame
	PresentKMS(props geom.Props, p display.Presenter) error
	// PresentFbdev does the same for presenters that blit in software
	PresentFbdev(props geom.Props, p display.Presenter) error
	// Overlayable reports why the surface can't go onto a plane of a presenter with caps, nil if it can
	Overlayable(props geom.Props, caps display.Caps) error
	// CompositeInto draws the surface into a render target instead
	CompositeInto(r renderer.Renderer, t *renderer.Target, props geom.Props) error
}

var surfaceIDs atomic.Uint64

// Base carries what every surface variant shares
type Base struct {
	id   uint64
	kind Kind

	mu         sync.Mutex
	revision   atomic.Uint64
	refs       atomic.Int32
	presenting atomic.Bool
	tracer     *tracer.Tracer

	// Weak, cleared when the owner goes away
	ownerMu sync.Mutex
	owner   any

	deinit func()
}

func (b *Base) init(kind Kind, t *tracer.Tracer, deinit func()) {
	b.id = surfaceIDs.Add(1)
	b.kind = kind
	b.tracer = t
	b.deinit = deinit
	b.revision.Store(1)
	b.refs.Store(1)
}

func (b *Base) ID() uint64 { return b.id }

func (b *Base) Kind() Kind { return b.kind }

func (b *Base) Revision() uint64 { return b.revision.Load() }

// bump marks a content update, called with the surface locked
func (b *Base) bump() uint64 {
	return b.revision.Add(1)
}

func (b *Base) Ref() {
	n := b.refs.Add(1)
	util.Assert(n > 1, "surface %d referenced after destruction", b.id)
}

func (b *Base) Unref() {
	n := b.refs.Add(-1)
	util.Assert(n >= 0, "surface %d unreferenced too often", b.id)
	if n == 0 && b.deinit != nil {
		b.deinit()
	}
}

// Refs is the current reference count
func (b *Base) Refs() int {
	return int(b.refs.Load())
}

func (b *Base) SetOwner(owner any) {
	b.ownerMu.Lock()
	b.owner = owner
	b.ownerMu.Unlock()
}

func (b *Base) Owner() any {
	b.ownerMu.Lock()
	defer b.ownerMu.Unlock()
	return b.owner
}

// beginPresent locks the surface for one present call and emits the begin trace event
func (b *Base) beginPresent(name string) (end func()) {
	util.Assert(b.presenting.CompareAndSwap(false, true), "surface %d presented concurrently", b.id)
	endTrace := b.tracer.Begin(name)
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		b.presenting.Store(false)
		endTrace()
	}
}

// pushBuffer pushes buf as one layer and keeps the surface alive until the layer is released.
// onRelease, if set, runs right before the surface reference is dropped
func (b *Base) pushBuffer(p display.Presenter, buf *display.Buffer, src geom.Rect, props geom.Props, onRelease func()) error {
	turns, _ := props.QuarterTurns()
	layer := display.BufferLayer{
		Buffer:   buf,
		Src:      src,
		Dst:      props.Bounds().Image(),
		Rotation: layerRotation(turns),
	}
	b.Ref()
	layer.OnRelease = func() {
		if onRelease != nil {
			onRelease()
		}
		b.Unref()
	}
	if err := p.PushDisplayBufferLayer(layer); err != nil {
		b.Unref()
		return err
	}
	return nil
}

// layerRotation converts clockwise screen space quarter turns into DRM's counter-clockwise rotation
func layerRotation(turns int) display.Rotation {
	return display.RotationFromQuarterTurns(-turns)
}

func fullRect(buf *display.Buffer) geom.Rect {
	w, h := buf.Size()
	return geom.Rect{W: float64(w), H: float64(h)}
}

// overlayable is the plane eligibility check shared by the buffer backed variants
func overlayable(buf *display.Buffer, props geom.Props, caps display.Caps) error {
	if buf == nil {
		return ErrNoContent
	}
	w, h := buf.Size()
	return overlayableDesc(buf.Type(), buf.Format(), w, h, props, caps)
}

func overlayableDesc(typ display.BufferType, format pixfmt.Format, w, h int, props geom.Props, caps display.Caps) error {
	if !caps.CanShow(typ) {
		return fmt.Errorf("%s buffer: %w", typ, ErrNotOverlayable)
	}
	if !props.IsAARect {
		return fmt.Errorf("not axis aligned: %w", ErrNotOverlayable)
	}
	turns, ok := props.QuarterTurns()
	if !ok || !caps.SupportsRotation(layerRotation(turns)) {
		return fmt.Errorf("rotation %.1f: %w", props.Rotation, ErrNotOverlayable)
	}
	if len(props.EffectiveClips()) > 0 {
		return fmt.Errorf("clipped: %w", ErrNotOverlayable)
	}
	if !props.Opaque() {
		return fmt.Errorf("opacity %.2f: %w", props.Opacity, ErrNotOverlayable)
	}
	if !caps.SupportsFormat(format) {
		return fmt.Errorf("format %s: %w", format, ErrNotOverlayable)
	}
	if !caps.CanScale {
		if b := props.Bounds(); int(b.W) != w || int(b.H) != h {
			return fmt.Errorf("needs scaling: %w", ErrNotOverlayable)
		}
	}
	return nil
}

// composite draws buf with the renderer, used when a surface didn't get a plane
func composite(r renderer.Renderer, t *renderer.Target, buf *display.Buffer, props geom.Props) error {
	if buf == nil {
		return ErrNoContent
	}
	return r.Draw(t, renderer.Source{Buffer: buf}, props)
}
