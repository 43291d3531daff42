// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package surface

import (
	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/tracer"
)

// PlatformView is content produced outside the engine, such as a video
// decoder, that the engine only reserves a place for
type PlatformView struct {
	Base
	viewID int64
	frame  *display.Buffer
}

func NewPlatformView(t *tracer.Tracer, viewID int64) *PlatformView {
	v := &PlatformView{viewID: viewID}
	v.init(KindPlatformView, t, func() { v.SetFrame(nil) })
	return v
}

func (v *PlatformView) ViewID() int64 { return v.viewID }

// SetFrame replaces the shown buffer. The view keeps its own reference, nil clears it
func (v *PlatformView) SetFrame(buf *display.Buffer) {
	v.mu.Lock()
	old := v.frame
	if buf != nil {
		buf.Ref()
	}
	v.frame = buf
	if buf != nil {
		v.bump()
	}
	v.mu.Unlock()
	if old != nil {
		old.Unref()
	}
}

// Frame returns the shown buffer without taking a reference
func (v *PlatformView) Frame() *display.Buffer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame
}

func (v *PlatformView) present(name string, props geom.Props, p display.Presenter) error {
	end := v.beginPresent(name)
	defer end()
	if v.frame == nil {
		// Nothing decoded yet, the slot stays empty
		return nil
	}
	return v.pushBuffer(p, v.frame, fullRect(v.frame), props, nil)
}

func (v *PlatformView) PresentKMS(props geom.Props, p display.Presenter) error {
	return v.present("platform view present kms", props, p)
}

func (v *PlatformView) PresentFbdev(props geom.Props, p display.Presenter) error {
	return v.present("platform view present fbdev", props, p)
}

func (v *PlatformView) Overlayable(props geom.Props, caps display.Caps) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return overlayable(v.frame, props, caps)
}

func (v *PlatformView) CompositeInto(r renderer.Renderer, t *renderer.Target, props geom.Props) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame == nil {
		return nil
	}
	return composite(r, t, v.frame, props)
}
