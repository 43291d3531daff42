// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package surface

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/tracer"
)

// dmabufFrame is one foreign buffer and its imports into every display it was shown on.
// The owner's destroy callback runs once the surface moved on and every import is gone
type dmabufFrame struct {
	desc      display.BufferDesc
	onDestroy func(any)
	userdata  any

	mu      sync.Mutex
	imports map[display.Display]*display.Buffer
	local   *display.Buffer
	// One for the surface, one per live import
	live atomic.Int32
}

func newDmabufFrame(desc display.BufferDesc, onDestroy func(any), userdata any) *dmabufFrame {
	f := &dmabufFrame{
		desc:      desc,
		onDestroy: onDestroy,
		userdata:  userdata,
		imports:   make(map[display.Display]*display.Buffer),
	}
	f.live.Store(1)
	if desc.Type == display.BufferSoftware {
		f.local = display.NewBuffer(desc, nil, nil)
	}
	return f
}

func (f *dmabufFrame) importFor(d display.Display) (*display.Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.imports[d]; ok {
		return b, nil
	}
	if err := display.CheckImport(d, f.desc); err != nil {
		return nil, err
	}
	f.live.Add(1)
	b, err := d.ImportBuffer(f.desc, func(any) { f.drop() }, nil)
	if err != nil {
		f.live.Add(-1)
		return nil, fmt.Errorf("importing into %s: %w", d.Name(), err)
	}
	f.imports[d] = b
	return b, nil
}

// anyBuffer returns a buffer usable for compositing, nil if there is none yet
func (f *dmabufFrame) anyBuffer() *display.Buffer {
	if f.local != nil {
		return f.local
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.imports {
		return b
	}
	return nil
}

func (f *dmabufFrame) drop() {
	if f.live.Add(-1) == 0 && f.onDestroy != nil {
		f.onDestroy(f.userdata)
	}
}

// release drops the surface's hold, imports still scanned out finish on their own
func (f *dmabufFrame) release() {
	f.mu.Lock()
	imports := f.imports
	f.imports = nil
	f.mu.Unlock()
	for _, b := range imports {
		b.Unref()
	}
	if f.local != nil {
		f.local.Unref()
	}
	f.drop()
}

// DmabufSurface shows buffers allocated by someone else, imported lazily
// into whichever display presents them
type DmabufSurface struct {
	Base
	frame *dmabufFrame
}

func NewDmabufSurface(t *tracer.Tracer) *DmabufSurface {
	s := &DmabufSurface{}
	s.init(KindDmabuf, t, s.destroy)
	return s
}

func (s *DmabufSurface) destroy() {
	s.mu.Lock()
	f := s.frame
	s.frame = nil
	s.mu.Unlock()
	if f != nil {
		f.release()
	}
}

// SetBuffer replaces the shown buffer. onDestroy is called with userdata once
// the buffer is neither shown nor referenced by the surface anymore
func (s *DmabufSurface) SetBuffer(desc display.BufferDesc, onDestroy func(any), userdata any) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	f := newDmabufFrame(desc, onDestroy, userdata)
	s.mu.Lock()
	old := s.frame
	s.frame = f
	s.bump()
	s.mu.Unlock()
	if old != nil {
		old.release()
	}
	return nil
}

func (s *DmabufSurface) present(name string, props geom.Props, p display.Presenter) error {
	end := s.beginPresent(name)
	defer end()
	if s.frame == nil {
		return ErrNoContent
	}
	buf, err := s.frame.importFor(p.Display())
	if err != nil {
		return err
	}
	return s.pushBuffer(p, buf, fullRect(buf), props, nil)
}

func (s *DmabufSurface) PresentKMS(props geom.Props, p display.Presenter) error {
	return s.present("dmabuf surface present kms", props, p)
}

func (s *DmabufSurface) PresentFbdev(props geom.Props, p display.Presenter) error {
	return s.present("dmabuf surface present fbdev", props, p)
}

func (s *DmabufSurface) Overlayable(props geom.Props, caps display.Caps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return ErrNoContent
	}
	d := s.frame.desc
	return overlayableDesc(d.Type, d.Format, d.Width, d.Height, props, caps)
}

// ImportFor imports the current buffer into d unless it already has a buffer to composite from
func (s *DmabufSurface) ImportFor(d display.Display) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil || s.frame.local != nil {
		return nil
	}
	_, err := s.frame.importFor(d)
	return err
}

func (s *DmabufSurface) CompositeInto(r renderer.Renderer, t *renderer.Target, props geom.Props) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return ErrNoContent
	}
	return composite(r, t, s.frame.anyBuffer(), props)
}
