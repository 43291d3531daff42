// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package surface

import (
	"context"
	"errors"
	"fmt"

	"github.com/mstarongithub/flutterkms/cqueue"
	"github.com/mstarongithub/flutterkms/display"
	"github.com/mstarongithub/flutterkms/geom"
	"github.com/mstarongithub/flutterkms/pixfmt"
	"github.com/mstarongithub/flutterkms/renderer"
	"github.com/mstarongithub/flutterkms/tracer"
)

// RenderSurface is a swapchain of render targets. The engine renders into
// the back buffer, SwapBuffers makes it the front buffer which is what gets presented
type RenderSurface struct {
	Base
	r       renderer.Renderer
	targets []*renderer.Target
	free    *cqueue.Pool[*renderer.Target]

	back  *renderer.Target
	front *renderer.Target
	// Holds per target: one for being the front buffer, one per layer still scanned out
	holds map[*renderer.Target]int
}

// NewRenderSurface allocates n targets of the given size on d
func NewRenderSurface(t *tracer.Tracer, r renderer.Renderer, d display.Display, width, height int, format pixfmt.Format, n int) (*RenderSurface, error) {
	if n < 2 {
		return nil, fmt.Errorf("swapchain needs at least 2 buffers, got %d", n)
	}
	s := &RenderSurface{r: r, holds: make(map[*renderer.Target]int)}
	for range n {
		target, err := r.NewTarget(d, width, height, format)
		if err != nil {
			s.releaseTargets()
			return nil, fmt.Errorf("allocating swapchain buffer: %w", err)
		}
		s.targets = append(s.targets, target)
	}
	s.free = cqueue.NewPool(s.targets...)
	s.init(KindRenderSurface, t, s.destroy)
	return s, nil
}

func (s *RenderSurface) releaseTargets() {
	for _, t := range s.targets {
		t.Release()
	}
	s.targets = nil
}

func (s *RenderSurface) destroy() {
	s.free.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseTargets()
	s.back, s.front = nil, nil
	clear(s.holds)
}

// BackBuffer returns the target to render the next frame into,
// waiting for a buffer to come back from scanout if all are busy
func (s *RenderSurface) BackBuffer(ctx context.Context) (*renderer.Target, error) {
	s.mu.Lock()
	if s.back != nil {
		defer s.mu.Unlock()
		return s.back, nil
	}
	s.mu.Unlock()

	t, err := s.free.Acquire(ctx)
	if err != nil {
		if errors.Is(err, cqueue.ErrClosed) {
			return nil, ErrNoFreeBuffer
		}
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.back != nil {
		// Lost a race against another caller
		_ = s.free.Release(t)
		return s.back, nil
	}
	s.back = t
	return t, nil
}

// Draw renders into the back buffer
func (s *RenderSurface) Draw(ctx context.Context, src renderer.Source, props geom.Props) error {
	t, err := s.BackBuffer(ctx)
	if err != nil {
		return err
	}
	return s.r.Draw(t, src, props)
}

// SwapBuffers makes the back buffer the new front buffer
func (s *RenderSurface) SwapBuffers() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.back == nil {
		return fmt.Errorf("swap without back buffer: %w", ErrNoContent)
	}
	if err := s.r.Flush(s.back); err != nil {
		return err
	}
	old := s.front
	s.front = s.back
	s.back = nil
	s.holds[s.front]++
	if old != nil {
		s.unholdLocked(old)
	}
	s.bump()
	return nil
}

// unholdLocked returns t to the free list once nothing uses it anymore
func (s *RenderSurface) unholdLocked(t *renderer.Target) {
	s.holds[t]--
	if s.holds[t] > 0 {
		return
	}
	delete(s.holds, t)
	if t != s.back {
		_ = s.free.Release(t)
	}
}

// FreeBuffers is the number of targets neither shown nor rendered into
func (s *RenderSurface) FreeBuffers() int {
	return s.free.Free()
}

func (s *RenderSurface) frontBuffer() *display.Buffer {
	if s.front == nil {
		return nil
	}
	return s.front.Buffer
}

func (s *RenderSurface) present(name string, props geom.Props, p display.Presenter) error {
	end := s.beginPresent(name)
	defer end()
	front := s.front
	if front == nil {
		return ErrNoContent
	}
	s.holds[front]++
	err := s.pushBuffer(p, front.Buffer, fullRect(front.Buffer), props, func() {
		s.mu.Lock()
		s.unholdLocked(front)
		s.mu.Unlock()
	})
	if err != nil {
		s.unholdLocked(front)
	}
	return err
}

func (s *RenderSurface) PresentKMS(props geom.Props, p display.Presenter) error {
	return s.present("render surface present kms", props, p)
}

func (s *RenderSurface) PresentFbdev(props geom.Props, p display.Presenter) error {
	return s.present("render surface present fbdev", props, p)
}

func (s *RenderSurface) Overlayable(props geom.Props, caps display.Caps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return overlayable(s.frontBuffer(), props, caps)
}

func (s *RenderSurface) CompositeInto(r renderer.Renderer, t *renderer.Target, props geom.Props) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return composite(r, t, s.frontBuffer(), props)
}
